package knxconf

import "testing"

func TestUnmarshalEnvDefaults(t *testing.T) {
	var c Config
	if err := c.UnmarshalEnv(nil, false); err != nil {
		t.Fatalf("UnmarshalEnv: %v", err)
	}
	if c.Transport != "udp" {
		t.Fatalf("Transport = %q, want udp", c.Transport)
	}
	if c.ConnectionType != "tunnel" {
		t.Fatalf("ConnectionType = %q, want tunnel", c.ConnectionType)
	}
	if c.ConnectTimeout.String() != "10s" {
		t.Fatalf("ConnectTimeout = %v, want 10s", c.ConnectTimeout)
	}
}

func TestUnmarshalEnvOverride(t *testing.T) {
	var c Config
	env := []string{
		"KNX_SERVER_CONTROL=192.0.2.10:3671",
		"KNX_TRANSPORT=tcp",
		"KNX_NAT=true",
	}
	if err := c.UnmarshalEnv(env, false); err != nil {
		t.Fatalf("UnmarshalEnv: %v", err)
	}
	if c.ServerControl.String() != "192.0.2.10:3671" {
		t.Fatalf("ServerControl = %v", c.ServerControl)
	}
	if c.Transport != "tcp" {
		t.Fatalf("Transport = %q, want tcp", c.Transport)
	}
	if !c.NAT {
		t.Fatal("NAT = false, want true")
	}
}

func TestUnmarshalEnvUnknownVar(t *testing.T) {
	var c Config
	err := c.UnmarshalEnv([]string{"KNX_NOT_A_REAL_OPTION=1"}, false)
	if err == nil {
		t.Fatal("expected error for unknown environment variable")
	}
}
