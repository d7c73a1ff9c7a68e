package cmd

import (
	"bytes"
	"github.com/Tumik1234/bot-ai/botai"
	"github.com/stretchr/testify/assert"
	"testing"
)

func TestVersionCommand(t *testing.T) {
	originalVersion := botai.Version
	originalCommitSHA := botai.CommitSHA
	originalBuildTime := botai.BuildTime
	currentOut := versionCmd.OutOrStdout()

	t.Cleanup(
		func() {
			botai.Version = originalVersion
			botai.CommitSHA = originalCommitSHA
			botai.BuildTime = originalBuildTime
			versionCmd.SetOut(currentOut)
		},
	)

	botai.Version = "1.0.0"
	botai.CommitSHA = "abc123"
	botai.BuildTime = "2023-10-01T12:00:00Z"

	var out bytes.Buffer
	versionCmd.SetOut(&out)
	versionCmd.Run(versionCmd, nil)

	assert.Equal(
		t,
		"version=1.0.0 commit=abc123 built: 2023-10-01T12:00:00Z",
		out.String(),
	)
}
