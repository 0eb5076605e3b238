package mcp

import "testing"

func TestNamespacedName(t *testing.T) {
	cases := []struct {
		server, tool, want string
	}{
		{"fs", "read_file", "mcp__fs__read_file"},
		{"My Server", "x", "mcp__my-server__x"},
		{"a.b", "y", "mcp__a-b__y"},
	}
	for _, tc := range cases {
		if got := NamespacedName(tc.server, tc.tool); got != tc.want {
			t.Errorf("NamespacedName(%q, %q) = %q, want %q", tc.server, tc.tool, got, tc.want)
		}
	}
}

func TestParseNamespacedName(t *testing.T) {
	server, tool, ok := ParseNamespacedName("mcp__fs__read_file")
	if !ok || server != "fs" || tool != "read_file" {
		t.Fatalf("got (%q, %q, %v)", server, tool, ok)
	}

	for _, bad := range []string{"read_file", "mcp__", "mcp____x", "mcp__fs__"} {
		if _, _, ok := ParseNamespacedName(bad); ok {
			t.Errorf("ParseNamespacedName(%q) should fail", bad)
		}
	}

	// Tool names may themselves contain double underscores.
	server, tool, ok = ParseNamespacedName("mcp__srv__a__b")
	if !ok || server != "srv" || tool != "a__b" {
		t.Errorf("got (%q, %q, %v)", server, tool, ok)
	}
}

func TestIsMCPTool(t *testing.T) {
	if !IsMCPTool("mcp__fs__read") {
		t.Error("mcp__fs__read should be an MCP tool")
	}
	if IsMCPTool("file_read") {
		t.Error("file_read should not be an MCP tool")
	}
}
