package splitter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vgpastor/bulkimport/ports"
)

func feed(n int) <-chan ports.ProcessedRecord {
	ch := make(chan ports.ProcessedRecord)
	go func() {
		defer close(ch)
		for i := 0; i < n; i++ {
			ch <- ports.ProcessedRecord{Index: i}
		}
	}()
	return ch
}

func TestSplit_EvenDivision(t *testing.T) {
	t.Parallel()

	var groups []Group
	for g := range Split(feed(10), 5) {
		groups = append(groups, g)
	}

	require.Len(t, groups, 2)
	assert.Equal(t, 0, groups[0].Index)
	assert.Equal(t, 1, groups[1].Index)
	assert.Len(t, groups[0].Records, 5)
	assert.Len(t, groups[1].Records, 5)
}

func TestSplit_ShortFinalGroup(t *testing.T) {
	t.Parallel()

	var groups []Group
	for g := range Split(feed(12), 5) {
		groups = append(groups, g)
	}

	require.Len(t, groups, 3)
	assert.Len(t, groups[2].Records, 2)
}

func TestSplit_PreservesOrderNoGapsNoDuplicates(t *testing.T) {
	t.Parallel()

	var indices []int
	for g := range Split(feed(23), 7) {
		for _, r := range g.Records {
			indices = append(indices, r.Index)
		}
	}

	require.Len(t, indices, 23)
	for i, idx := range indices {
		assert.Equal(t, i, idx)
	}
}

func TestSplit_Empty(t *testing.T) {
	t.Parallel()

	var groups []Group
	for g := range Split(feed(0), 5) {
		groups = append(groups, g)
	}
	assert.Empty(t, groups)
}

func TestSplit_BatchSizeLargerThanInput(t *testing.T) {
	t.Parallel()

	var groups []Group
	for g := range Split(feed(3), 100) {
		groups = append(groups, g)
	}

	require.Len(t, groups, 1)
	assert.Len(t, groups[0].Records, 3)
}
