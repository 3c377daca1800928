package probe

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProbeBareHFSPlus(t *testing.T) {
	disk := make([]byte, 0x800)
	copy(disk[0x400:], "H+")
	result, err := Probe(bytes.NewReader(disk))
	require.NoError(t, err)
	assert.Equal(t, FormatHFSPlus, result.BareFormat)
	assert.Nil(t, result.Partitions)
}

func TestProbeNoFilesystem(t *testing.T) {
	disk := make([]byte, 0x800)
	_, err := Probe(bytes.NewReader(disk))
	assert.ErrorIs(t, err, ErrNoFilesystem)
}

func TestSniffFormatUnreadable(t *testing.T) {
	disk := make([]byte, 4)
	assert.Equal(t, FormatUnknown, sniffFormat(bytes.NewReader(disk), 0x400))
}
