package cli

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRootCommandRegistersCoreSubcommands(t *testing.T) {
	t.Parallel()

	cmd := NewRootCmd()

	names := make([]string, 0, len(cmd.Commands()))
	for _, sub := range cmd.Commands() {
		names = append(names, sub.Name())
	}
	require.Subset(t, names, []string{"transcribe", "health", "version"})

	for _, flag := range []string{"verbose", "json", "log-file", "config", "worker-url", "device", "metrics-file"} {
		require.NotNil(t, cmd.PersistentFlags().Lookup(flag), flag)
	}
}

func TestTranscribeFlagDefaults(t *testing.T) {
	t.Parallel()

	cmd := newTranscribeCmd(&appState{})
	require.Equal(t, "auto", cmd.Flags().Lookup("language").DefValue)
	require.Equal(t, "", cmd.Flags().Lookup("quality").DefValue)
	require.Equal(t, "false", cmd.Flags().Lookup("diarize").DefValue)
	require.Equal(t, "text", cmd.Flags().Lookup("format").DefValue)
	require.Equal(t, "1", cmd.Flags().Lookup("parallel").DefValue)
	require.Equal(t, "false", cmd.Flags().Lookup("no-progress").DefValue)
	require.Equal(t, "false", cmd.Flags().Lookup("copy").DefValue)
	require.Equal(t, "", cmd.Flags().Lookup("sha256").DefValue)
}

func TestRootHelpParsesSuccessfully(t *testing.T) {
	t.Parallel()

	cmd := NewRootCmd()
	out := new(bytes.Buffer)
	cmd.SetOut(out)
	cmd.SetErr(out)
	cmd.SetArgs([]string{"--help"})

	err := cmd.Execute()
	require.NoError(t, err)
	require.Contains(t, out.String(), "transcribe")
	require.Contains(t, out.String(), "health")
	require.Contains(t, out.String(), "version")
}

func TestSubcommandHelpParsesSuccessfully(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		args     []string
		contains string
	}{
		{name: "transcribe", args: []string{"transcribe", "--help"}, contains: "Transcribe one or more audio files"},
		{name: "health", args: []string{"health", "--help"}, contains: "Report device, concurrency and cache state"},
		{name: "version", args: []string{"version", "--help"}, contains: "Print the version number"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cmd := NewRootCmd()
			out := new(bytes.Buffer)
			cmd.SetOut(out)
			cmd.SetErr(out)
			cmd.SetArgs(tt.args)

			err := cmd.Execute()
			require.NoError(t, err)
			require.Contains(t, out.String(), tt.contains)
		})
	}
}
