package session

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRegistryConcurrentUse(t *testing.T) {
	r := NewRegistry()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("s-%d", i)
			r.Add(&Session{id: id})
			_, ok := r.Get(id)
			assert.True(t, ok)
			r.List()
			if i%2 == 0 {
				r.Remove(id)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 25, r.Len())
	assert.Len(t, r.List(), 25)
	_, ok := r.Get("s-0")
	assert.False(t, ok)
	_, ok = r.Get("s-1")
	assert.True(t, ok)
}
