package main

import "testing"

func TestBuildRootCommands(t *testing.T) {
	root := buildRoot()
	want := map[string]bool{"record": false, "serve": false, "start": false, "stop": false, "status": false, "doctor": false}
	for _, c := range root.Commands() {
		if _, ok := want[c.Name()]; ok {
			want[c.Name()] = true
		}
	}
	for name, seen := range want {
		if !seen {
			t.Fatalf("missing subcommand %q", name)
		}
	}
}
