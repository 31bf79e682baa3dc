package cmd

import (
	"testing"
)

func TestCommandsRegistered(t *testing.T) {
	for _, path := range [][]string{
		{"agents"},
		{"agent", "show"},
		{"agent", "register"},
		{"agent", "checkin"},
		{"agent", "ping"},
		{"agent", "events"},
		{"allocate"},
		{"submit"},
		{"queue"},
		{"session"},
		{"result"},
		{"log"},
		{"daemon", "start"},
	} {
		c, rest, err := rootCmd.Find(path)
		if err != nil || len(rest) != 0 || c.Name() != path[len(path)-1] {
			t.Errorf("command %v not registered (found %q, rest %v, err %v)", path, c.Name(), rest, err)
		}
	}
}

func TestPersistentFlags(t *testing.T) {
	f := rootCmd.PersistentFlags()
	if f.Lookup("addr") == nil {
		t.Error("--addr flag not registered")
	}
	if f.ShorthandLookup("a") == nil {
		t.Error("-a shorthand not registered")
	}
	if f.Lookup("no-color") == nil {
		t.Error("--no-color flag not registered")
	}
}

func TestDaemonStartFlags(t *testing.T) {
	f := daemonStartCmd.Flags()
	for _, name := range []string{"config", "listen", "redis-url", "allocation-ttl", "sweep-schedule", "log-level", "log-format"} {
		if f.Lookup(name) == nil {
			t.Errorf("--%s flag not registered on daemon start", name)
		}
	}
}

func TestRegisterRequiresPort(t *testing.T) {
	f := agentRegisterCmd.Flags().Lookup("port")
	if f == nil {
		t.Fatal("--port flag not registered")
	}
	if ann := f.Annotations["cobra_annotation_bash_completion_one_required_flag"]; len(ann) == 0 || ann[0] != "true" {
		t.Errorf("--port is not marked required: %v", f.Annotations)
	}
}

func TestResultWaitDefault(t *testing.T) {
	f := resultCmd.Flags().Lookup("wait")
	if f == nil {
		t.Fatal("--wait flag not registered")
	}
	if f.DefValue != "30s" {
		t.Errorf("--wait default = %q, want 30s", f.DefValue)
	}
}
