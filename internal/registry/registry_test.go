package registry

import (
	"sync"
	"testing"

	"github.com/bxcodec/faker/v3"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type session struct{ url string }
type subscription struct{ interval float64 }

func TestInsertFind(t *testing.T) {
	ns := NewNamespace()
	sessions := New[*session](ns)

	name := faker.Username()
	s := &session{url: faker.URL()}
	require.NoError(t, sessions.Insert(name, s))

	got, ok := sessions.Find(name)
	require.True(t, ok)
	assert.Same(t, s, got)
	assert.True(t, sessions.Contains(name))
	assert.True(t, ns.Contains(name))

	_, ok = sessions.Find("missing")
	assert.False(t, ok)
}

func TestNamesAreUniqueAcrossRegistries(t *testing.T) {
	ns := NewNamespace()
	sessions := New[*session](ns)
	subscriptions := New[*subscription](ns)

	require.NoError(t, sessions.Insert("plc1", &session{}))

	err := subscriptions.Insert("plc1", &subscription{})
	assert.True(t, errors.Is(err, ErrNameInUse))
	assert.False(t, subscriptions.Contains("plc1"))

	err = sessions.Insert("plc1", &session{})
	assert.True(t, errors.Is(err, ErrNameInUse))

	require.NoError(t, subscriptions.Insert("sub1", &subscription{}))
	assert.Equal(t, 2, ns.Len())
}

func TestGlob(t *testing.T) {
	ns := NewNamespace()
	sessions := New[*session](ns)
	for _, n := range []string{"plc2", "plc1", "robot"} {
		require.NoError(t, sessions.Insert(n, &session{url: n}))
	}

	matched := sessions.Glob("plc*")
	require.Len(t, matched, 2)
	assert.Equal(t, "plc1", matched[0].url)
	assert.Equal(t, "plc2", matched[1].url)

	assert.Len(t, sessions.Glob("*"), 3)
	assert.Empty(t, sessions.Glob("[bad"))
	assert.Equal(t, []string{"plc1", "plc2", "robot"}, sessions.Names())
}

func TestConcurrentInsertClaimsOnce(t *testing.T) {
	ns := NewNamespace()
	a := New[int](ns)
	b := New[int](ns)

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r := a
			if i%2 == 1 {
				r = b
			}
			if r.Insert("shared", i) == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
	assert.Equal(t, 1, a.Len()+b.Len())
}
