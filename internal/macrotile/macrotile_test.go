package macrotile

import (
	"sync"
	"testing"

	"github.com/aukilabs/go-tooling/pkg/errors"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/stretchr/testify/require"
)

func TestMacrotile(t *testing.T) {
	tests := []struct {
		key     string
		size    int
		parents int
		want    string
	}{
		{key: "5/10/12", size: 2, parents: 2, want: "2/1/1"},
		{key: "4/10/12", size: 2, parents: 2, want: "2/2/3"},
		{key: "4/10/12", size: 2, parents: 0, want: "4/10/12"},
		{key: "3/5/2", size: 3, parents: 1, want: "0/0/0"},
		{key: "1/1/0", size: 1, parents: 4, want: "0/0/0"},
		{key: "0/0/0", size: 2, parents: 2, want: "0/0/0"},
	}

	for _, test := range tests {
		got, err := Macrotile(test.key, test.size, test.parents)
		require.NoError(t, err, test.key)
		require.Equal(t, test.want, got, test.key)
	}
}

func TestMacrotileInvalid(t *testing.T) {
	_, err := Macrotile("5/10/12", 0, 2)
	require.True(t, errors.IsType(err, ErrTypeInvalidGrouping))

	_, err = Macrotile("5/10/12", 5, 5)
	require.True(t, errors.IsType(err, ErrTypeInvalidGrouping))

	_, err = Macrotile("not-a-key", 2, 2)
	require.Error(t, err)
}

func TestDescendants(t *testing.T) {
	keys, err := Descendants("2/1/1", 2, 2)
	require.NoError(t, err)
	require.Len(t, keys, 16+64)
	require.Equal(t, "4/4/4", keys[0])
	require.Equal(t, "4/5/4", keys[1])
	require.Equal(t, "4/4/5", keys[2])
	require.Contains(t, keys, "5/10/12")
	require.NotContains(t, keys, "3/2/2")

	keys, err = Descendants("0/0/0", 1, 0)
	require.NoError(t, err)
	require.Equal(t, []string{"0/0/0"}, keys)

	keys, err = Descendants("1/0/0", 1, 1)
	require.NoError(t, err)
	require.Equal(t, []string{"2/0/0", "2/1/0", "2/0/1", "2/1/1"}, keys)
}

func TestGrouperIsDeterministicAndMemoized(t *testing.T) {
	cache, err := lru.New[string, []string](16)
	require.NoError(t, err)

	g, err := NewGrouper(2, 2, cache)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			macrokey, err := g.Macrotile("5/10/12")
			require.NoError(t, err)
			require.Equal(t, "2/1/1", macrokey)

			keys, err := g.Siblings("5/10/12")
			require.NoError(t, err)
			require.Len(t, keys, 80)
		}()
	}
	wg.Wait()

	require.Equal(t, uint64(1), g.Computed())
	require.Equal(t, 1, cache.Len())

	keys, err := g.Descendants("2/1/1")
	require.NoError(t, err)
	keys[0] = "mutated"

	again, err := g.Descendants("2/1/1")
	require.NoError(t, err)
	require.Equal(t, "4/4/4", again[0])
	require.Equal(t, uint64(1), g.Computed())
}

func TestNewGrouperRequiresCache(t *testing.T) {
	_, err := NewGrouper(2, 2, nil)
	require.Error(t, err)
}
