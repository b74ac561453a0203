package tunnelmetrics

import "testing"

func TestSplitName(t *testing.T) {
	for _, c := range [][3]string{
		{`test`, `test`, ``},
		{`test{}`, `test`, ``},
		{`test{test=""}`, `test`, `test=""`},
		{`test{test="{}"}`, `test`, `test="{}"`},
		{``, ``, ``},
		{`test{`, `test{`, ``},
		{`test}`, `test}`, ``},
	} {
		name, xbase, xarg := c[0], c[1], c[2]
		if base, arg := splitName(name); base != xbase || arg != xarg {
			t.Errorf("split %#q: expected (%#q, %#q), got (%#q, %#q)", name, xbase, xarg, base, arg)
		}
	}
}

func TestFormatName(t *testing.T) {
	for _, c := range []struct {
		base, arg, key, val, want string
	}{
		{"test", "", "reason", "other", `test{reason="other"}`},
		{"test", `a="1"`, "reason", "other", `test{a="1",reason="other"}`},
	} {
		if got := formatName(c.base, c.arg, c.key, c.val); got != c.want {
			t.Errorf("formatName(%q,%q,%q,%q) = %q, want %q", c.base, c.arg, c.key, c.val, got, c.want)
		}
	}
}
