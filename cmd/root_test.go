package main

import (
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/docverify/internal/config"
)

func TestRootCmd_Subcommands(t *testing.T) {
	want := []string{
		"serve", "migrate", "import", "audit", "verify", "reset", "ask",
		"aggregate", "export", "thresholds", "templates", "lineage",
	}
	have := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		have[c.Name()] = true
	}
	for _, name := range want {
		assert.True(t, have[name], "missing subcommand %s", name)
	}
}

func TestRootCmd_Nested(t *testing.T) {
	tests := []struct {
		args []string
		name string
	}{
		{[]string{"audit", "list"}, "list"},
		{[]string{"audit", "next"}, "next"},
		{[]string{"export", "audit-queue"}, "audit-queue"},
		{[]string{"thresholds", "set"}, "set"},
		{[]string{"thresholds", "show"}, "show"},
		{[]string{"templates", "sync"}, "sync"},
		{[]string{"lineage", "purge"}, "purge"},
	}
	for _, tt := range tests {
		c, _, err := rootCmd.Find(tt.args)
		require.NoError(t, err)
		assert.Equal(t, tt.name, c.Name())
	}
}

func TestCommandFlags(t *testing.T) {
	tests := []struct {
		cmd   string
		flags []string
	}{
		{"verify", []string{"decision", "value", "note", "expected-version", "from-xlsx", "actor"}},
		{"ask", []string{"filter", "json"}},
		{"aggregate", []string{"op", "field", "group-by", "group-op", "percentile", "buckets", "edges", "filter", "xlsx"}},
		{"import", []string{"user", "org"}},
		{"serve", []string{"port"}},
	}
	for _, tt := range tests {
		c, _, err := rootCmd.Find([]string{tt.cmd})
		require.NoError(t, err)
		for _, f := range tt.flags {
			assert.NotNil(t, c.Flags().Lookup(f), "%s --%s", tt.cmd, f)
		}
	}

	assert.NotNil(t, auditListCmd.Flags().Lookup("document"))
	assert.NotNil(t, auditNextCmd.Flags().Lookup("after"))
	assert.NotNil(t, exportAuditCmd.Flags().Lookup("out"))
}

func TestNeedsConfig(t *testing.T) {
	c, _, err := rootCmd.Find([]string{"audit", "list"})
	require.NoError(t, err)
	assert.True(t, needsConfig(c))

	root := &cobra.Command{Use: "docverify"}
	help := &cobra.Command{Use: "help"}
	completion := &cobra.Command{Use: "completion"}
	bash := &cobra.Command{Use: "bash"}
	completion.AddCommand(bash)
	root.AddCommand(help, completion)

	assert.False(t, needsConfig(help))
	assert.False(t, needsConfig(bash), "subcommands of completion skip config too")
	assert.True(t, needsConfig(root))
}

func TestApplyLogOverrides(t *testing.T) {
	newCmd := func() *cobra.Command {
		c := &cobra.Command{Use: "x"}
		c.Flags().String("log-level", "", "")
		c.Flags().String("log-format", "", "")
		return c
	}

	c := newCmd()
	require.NoError(t, c.Flags().Parse([]string{"--log-level", "debug"}))
	lc := config.LogConfig{Level: "info", Format: "json"}
	applyLogOverrides(c, &lc)
	assert.Equal(t, config.LogConfig{Level: "debug", Format: "json"}, lc)

	c = newCmd()
	require.NoError(t, c.Flags().Parse(nil))
	lc = config.LogConfig{Level: "warn", Format: "console"}
	applyLogOverrides(c, &lc)
	assert.Equal(t, config.LogConfig{Level: "warn", Format: "console"}, lc, "unset flags keep file and env values")

	assert.NotNil(t, rootCmd.PersistentFlags().Lookup("log-level"))
	assert.NotNil(t, rootCmd.PersistentFlags().Lookup("log-format"))
}
