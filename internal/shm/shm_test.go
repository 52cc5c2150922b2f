package shm_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dspdaemon/dspd/internal/shm"
)

func TestInProcessSectionsRoundTrip(t *testing.T) {
	b := shm.NewBuilder()
	b.AddSection(shm.SectionFIFO, 256)
	b.AddSection(shm.SectionMBX, 128)

	m := shm.NewInProcess(b)
	fifoSec, err := m.Section(shm.SectionFIFO, 256)
	require.NoError(t, err)
	require.Len(t, fifoSec, 256)

	mbxSec, err := m.Section(shm.SectionMBX, 128)
	require.NoError(t, err)
	require.Len(t, mbxSec, 128)

	// Sections must not overlap.
	fifoSec[0] = 0xAA
	require.NotEqual(t, byte(0xAA), mbxSec[0])
}

func TestSectionTooSmallIsInvalid(t *testing.T) {
	b := shm.NewBuilder()
	b.AddSection(shm.SectionFIFO, 64)
	m := shm.NewInProcess(b)

	_, err := m.Section(shm.SectionFIFO, 128)
	require.Error(t, err)
}

func TestMissingSectionIsInvalid(t *testing.T) {
	b := shm.NewBuilder()
	b.AddSection(shm.SectionFIFO, 64)
	m := shm.NewInProcess(b)

	_, err := m.Section(shm.SectionMBX, 8)
	require.Error(t, err)
}
