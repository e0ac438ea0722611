package registry

import (
	"sync"
	"testing"

	"github.com/DeBrosOfficial/enclaverun/pkg/enclave"
)

func TestRegistry_AppendPreservesArrivalOrder(t *testing.T) {
	r := New()
	r.Append(enclave.DataSourceFrame{ClientID: 3, Data: []byte("c")})
	r.Append(enclave.DataSourceFrame{ClientID: 1, Data: []byte("a")})
	r.Append(enclave.DataSourceFrame{ClientID: 2, Data: []byte("b")})

	if r.Count() != 3 {
		t.Fatalf("expected 3 frames, got %d", r.Count())
	}
	wantOrder := []uint64{3, 1, 2}
	for i, want := range wantOrder {
		frame, ok := r.At(i)
		if !ok {
			t.Fatalf("At(%d): expected a frame", i)
		}
		if frame.ClientID != want {
			t.Errorf("At(%d): expected client %d, got %d", i, want, frame.ClientID)
		}
	}
}

func TestRegistry_AtOutOfRangeIsNotOK(t *testing.T) {
	r := New()
	r.Append(enclave.DataSourceFrame{ClientID: 1})

	if _, ok := r.At(-1); ok {
		t.Errorf("expected At(-1) to be not-ok")
	}
	if _, ok := r.At(1); ok {
		t.Errorf("expected At(1) to be not-ok on a single-element registry")
	}
}

func TestRegistry_AllReturnsAnIndependentCopy(t *testing.T) {
	r := New()
	r.Append(enclave.DataSourceFrame{ClientID: 1, Data: []byte("a")})

	snapshot := r.All()
	snapshot[0].ClientID = 999

	frame, _ := r.At(0)
	if frame.ClientID != 1 {
		t.Errorf("expected mutating the slice returned by All to not affect the registry, got %d", frame.ClientID)
	}
}

func TestRegistry_ConcurrentAppendAndRead(t *testing.T) {
	r := New()
	var wg sync.WaitGroup
	for i := uint64(0); i < 50; i++ {
		wg.Add(1)
		go func(id uint64) {
			defer wg.Done()
			r.Append(enclave.DataSourceFrame{ClientID: id})
		}(i)
	}
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = r.Count()
			_ = r.All()
		}()
	}
	wg.Wait()

	if r.Count() != 50 {
		t.Errorf("expected 50 frames after concurrent appends, got %d", r.Count())
	}
}
