package main

import (
	"bytes"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/petchat/internal/server"
)

func TestBuildRootCommand_Subcommands(t *testing.T) {
	root := buildRootCommand()

	names := make([]string, 0, len(root.Commands()))
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.ElementsMatch(t, []string{"serve", "relay", "ai-check", "version"}, names)
}

func TestRootCommand_RequiresSubcommand(t *testing.T) {
	root := buildRootCommand()
	root.SetArgs([]string{})
	root.SetOut(&bytes.Buffer{})
	assert.Error(t, root.Execute())
}

func TestAICheck_RequiresProvider(t *testing.T) {
	t.Setenv("PETCHAT_AI_API_KEY", "")
	t.Setenv("PETCHAT_AI_API_BASE", "")

	root := buildRootCommand()
	root.SetArgs([]string{"ai-check"})
	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not configured")
}

func TestServeFlags_OverrideOnlyChangedValues(t *testing.T) {
	var flags serveFlags
	cmd := &cobra.Command{Use: "serve", RunE: func(*cobra.Command, []string) error { return nil }}
	cmd.Flags().StringVarP(&flags.listen, "listen", "l", ":8888", "")
	cmd.Flags().StringVar(&flags.httpAddr, "http", "127.0.0.1:8080", "")
	cmd.Flags().StringVar(&flags.relayAddr, "relay-addr", ":9000", "")
	cmd.Flags().StringVar(&flags.dbPath, "db", "", "")
	cmd.Flags().StringVar(&flags.redisAddr, "redis", "", "")
	require.NoError(t, cmd.ParseFlags([]string{"--listen", ":7777", "--db", "/tmp/x.db"}))

	cfg := server.DefaultConfig()
	cfg.HTTPAddr = "from-env:1"
	flags.apply(cmd, &cfg)

	assert.Equal(t, ":7777", cfg.ListenAddr)
	assert.Equal(t, "/tmp/x.db", cfg.DatabasePath)
	assert.Equal(t, "from-env:1", cfg.HTTPAddr)
	assert.Empty(t, cfg.RedisAddr)
}
