package lifecycle

import (
	"net"
	"testing"
)

func TestClassifyBearer(t *testing.T) {
	tests := []struct {
		name  string
		iface net.Interface
		want  Bearer
	}{
		{
			name:  "loopback is unsupported even with a matching name prefix",
			iface: net.Interface{Name: "eth0", Flags: net.FlagUp | net.FlagLoopback},
			want:  BearerUnsupported,
		},
		{
			name:  "down interface is unsupported",
			iface: net.Interface{Name: "eth0", Flags: 0},
			want:  BearerUnsupported,
		},
		{
			name:  "eth-prefixed is ethernet",
			iface: net.Interface{Name: "eth0", Flags: net.FlagUp},
			want:  BearerEthernet,
		},
		{
			name:  "en-prefixed is ethernet",
			iface: net.Interface{Name: "en0", Flags: net.FlagUp},
			want:  BearerEthernet,
		},
		{
			name:  "wl-prefixed is wlan",
			iface: net.Interface{Name: "wlan0", Flags: net.FlagUp},
			want:  BearerWLAN,
		},
		{
			name:  "wifi-prefixed is wlan",
			iface: net.Interface{Name: "wifi0", Flags: net.FlagUp},
			want:  BearerWLAN,
		},
		{
			name:  "unprefixed name falls back to unknown",
			iface: net.Interface{Name: "tun0", Flags: net.FlagUp},
			want:  BearerUnknown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ClassifyBearer(tt.iface)
			if got != tt.want {
				t.Fatalf("ClassifyBearer(%+v) = %v, want %v", tt.iface, got, tt.want)
			}
		})
	}
}

func TestBearerAcceptable(t *testing.T) {
	accepted := []Bearer{BearerEthernet, BearerWLAN, BearerUnknown}
	for _, b := range accepted {
		if !b.Acceptable() {
			t.Errorf("%v.Acceptable() = false, want true", b)
		}
	}
	if BearerUnsupported.Acceptable() {
		t.Errorf("BearerUnsupported.Acceptable() = true, want false")
	}
}

func TestPickLinkSkipsUnacceptableBearers(t *testing.T) {
	ifaces := []net.Interface{
		{Name: "lo", Flags: net.FlagUp | net.FlagLoopback},
		{Name: "eth0", Flags: 0}, // down, still unsupported
		{Name: "wlan0", Flags: net.FlagUp},
		{Name: "eth1", Flags: net.FlagUp},
	}

	iface, bearer, ok := PickLink(ifaces)
	if !ok {
		t.Fatal("PickLink() ok = false, want true")
	}
	if iface.Name != "wlan0" {
		t.Errorf("PickLink() picked %q, want %q", iface.Name, "wlan0")
	}
	if bearer != BearerWLAN {
		t.Errorf("PickLink() bearer = %v, want %v", bearer, BearerWLAN)
	}
}

func TestPickLinkNoAcceptableBearer(t *testing.T) {
	ifaces := []net.Interface{
		{Name: "lo", Flags: net.FlagUp | net.FlagLoopback},
		{Name: "eth0", Flags: 0},
	}

	_, _, ok := PickLink(ifaces)
	if ok {
		t.Fatal("PickLink() ok = true, want false")
	}
}

func TestSystemLinkProviderReturnsInterfaces(t *testing.T) {
	ifaces, err := SystemLinkProvider{}.Interfaces()
	if err != nil {
		t.Fatalf("Interfaces() error = %v", err)
	}
	if ifaces == nil {
		t.Fatal("Interfaces() returned a nil slice")
	}
}
