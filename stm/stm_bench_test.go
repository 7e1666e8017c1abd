package stm

import (
	"testing"

	"github.com/pingcap-incubator/tinystm/config"
)

func newBenchSTM(b *testing.B) *STM {
	conf := config.DefaultConf
	conf.NumLocks = 1 << 16
	s, err := New(&conf)
	if err != nil {
		b.Fatal(err)
	}
	return s
}

func BenchmarkUpdateTxSingleWord(b *testing.B) {
	s := newBenchSTM(b)
	th, err := s.Register()
	if err != nil {
		b.Fatal(err)
	}
	defer th.Close()
	var w Word
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		th.UpdateTx(func(tx *Txn) {
			w.Add(tx, 1)
		})
	}
}

func BenchmarkReadTxSingleWord(b *testing.B) {
	s := newBenchSTM(b)
	th, err := s.Register()
	if err != nil {
		b.Fatal(err)
	}
	defer th.Close()
	var w Word
	w.Store(nil, 1)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		th.ReadTx(func(tx *Txn) {
			w.Load(tx)
		})
	}
}

func BenchmarkDisjointCountersParallel(b *testing.B) {
	s := newBenchSTM(b)
	b.RunParallel(func(pb *testing.PB) {
		th, err := s.Register()
		if err != nil {
			b.Fatal(err)
		}
		defer th.Close()
		padded := make([]Word, 8)
		w := &padded[0]
		for pb.Next() {
			th.UpdateTx(func(tx *Txn) {
				w.Add(tx, 1)
			})
		}
	})
}
