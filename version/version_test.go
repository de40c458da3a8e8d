package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInfo(t *testing.T) {
	orig := CommitHash
	t.Cleanup(func() { CommitHash = orig })

	CommitHash = "0123456789abcdef"
	info := Get()
	assert.Equal(t, "0123456", info.Short())
	assert.Contains(t, info.String(), "metis dev (commit 0123456")
	assert.Equal(t, "metis-harvester/dev (+0123456)", info.UserAgent())
	assert.NotEmpty(t, info.GoVersion)

	CommitHash = "dev"
	assert.Equal(t, "dev", Get().Short())
}
