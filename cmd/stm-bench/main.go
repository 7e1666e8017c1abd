package main

import (
	"flag"
	"math/rand"
	"net/http"
	_ "net/http/pprof"
	"runtime"
	"sync"
	"time"

	"github.com/dgryski/go-farm"
	"github.com/docker/go-units"
	"github.com/juju/ratelimit"
	"github.com/montanaflynn/stats"
	"github.com/ngaut/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pingcap-incubator/tinystm/config"
	"github.com/pingcap-incubator/tinystm/sortedset"
	"github.com/pingcap-incubator/tinystm/stm"
)

var (
	workload   = flag.String("workload", "skiplist", "workload to run (counters/skiplist)")
	threads    = flag.Int("threads", 16, "worker threads")
	duration   = flag.Duration("duration", 10*time.Second, "benchmark duration")
	keySpace   = flag.Uint64("key-space", 10000, "skiplist key range [0, key-space)")
	updateRate = flag.Int("update-rate", 50, "percentage of update operations")
	numLocks   = flag.Uint64("num-locks", 1<<20, "size of the write-lock array, a power of two")
	arenaBlock = flag.String("arena-block-size", "4MB", "arena allocator block size")
	opRate     = flag.Float64("rate", 0, "per-thread ops/sec limit, 0 for unlimited")
	httpAddr   = flag.String("http-addr", "127.0.0.1:9391", "metrics/pprof http address")
	logLevel   = flag.String("L", "info", "log level")
	maxProcs   = flag.Int("max-procs", 0, "max CPU cores to use, 0 for all")
	sampleEach = flag.Int("sample-each", 64, "record one op latency out of this many")
)

func main() {
	flag.Parse()
	runtime.GOMAXPROCS(*maxProcs)
	log.SetLevelByString(*logLevel)

	go func() {
		http.Handle("/metrics", promhttp.Handler())
		log.Infof("listening on %v", *httpAddr)
		if err := http.ListenAndServe(*httpAddr, nil); err != nil {
			log.Fatal(err)
		}
	}()

	blockSize, err := units.RAMInBytes(*arenaBlock)
	if err != nil {
		log.Fatalf("bad arena-block-size: %v", err)
	}
	conf := config.DefaultConf
	conf.NumLocks = *numLocks
	conf.ArenaBlockSize = int(blockSize)
	conf.LogLevel = *logLevel
	s, err := stm.New(&conf)
	if err != nil {
		log.Fatal(err)
	}

	var run func(th *stm.Thread, rng *rand.Rand, n uint64)
	switch *workload {
	case "counters":
		run = counterWorkload(s)
	case "skiplist":
		run = skiplistWorkload(s)
	default:
		log.Fatalf("unknown workload %q", *workload)
	}

	log.Infof("running %s: threads=%d duration=%v keySpace=%d updateRate=%d%%",
		*workload, *threads, *duration, *keySpace, *updateRate)

	var (
		wg        sync.WaitGroup
		stop      = make(chan struct{})
		opCounts  = make([]uint64, *threads)
		latencies = make([][]float64, *threads)
	)
	start := time.Now()
	for i := 0; i < *threads; i++ {
		th, err := s.Register()
		if err != nil {
			log.Fatal(err)
		}
		wg.Add(1)
		go func(i int, th *stm.Thread) {
			defer wg.Done()
			defer th.Close()
			var bucket *ratelimit.Bucket
			if *opRate > 0 {
				bucket = ratelimit.NewBucketWithRate(*opRate, int64(*opRate)+1)
			}
			rng := rand.New(rand.NewSource(int64(i) + 1))
			var n uint64
			for {
				select {
				case <-stop:
					opCounts[i] = n
					return
				default:
				}
				if bucket != nil {
					bucket.Wait(1)
				}
				if n%uint64(*sampleEach) == 0 {
					t0 := time.Now()
					run(th, rng, n)
					latencies[i] = append(latencies[i], float64(time.Since(t0).Nanoseconds())/1000)
				} else {
					run(th, rng, n)
				}
				n++
			}
		}(i, th)
	}
	time.Sleep(*duration)
	close(stop)
	wg.Wait()
	elapsed := time.Since(start)

	var totalOps uint64
	var all []float64
	for i := range opCounts {
		totalOps += opCounts[i]
		all = append(all, latencies[i]...)
	}
	commits, aborts := s.Stats()
	log.Infof("ops=%d throughput=%.0f ops/s commits=%d aborts=%d abortRatio=%.2f%%",
		totalOps, float64(totalOps)/elapsed.Seconds(), commits, aborts,
		100*float64(aborts)/float64(1+commits))
	for _, pct := range []float64{50, 90, 99, 99.9} {
		v, err := stats.Percentile(all, pct)
		if err != nil {
			continue
		}
		log.Infof("latency p%v = %.1fus", pct, v)
	}
	s.Report()
}

// counterWorkload increments per-thread disjoint counters: the no-conflict
// baseline, every abort here is a bug.
func counterWorkload(s *stm.STM) func(th *stm.Thread, rng *rand.Rand, n uint64) {
	counters := make([]stm.Word, *threads*8)
	next := 0
	var mu sync.Mutex
	slot := func() *stm.Word {
		mu.Lock()
		defer mu.Unlock()
		w := &counters[next*8]
		next++
		return w
	}
	perThread := make(map[*stm.Thread]*stm.Word)
	var pmu sync.Mutex
	return func(th *stm.Thread, rng *rand.Rand, n uint64) {
		pmu.Lock()
		w, ok := perThread[th]
		if !ok {
			w = slot()
			perThread[th] = w
		}
		pmu.Unlock()
		th.UpdateTx(func(tx *stm.Txn) {
			w.Add(tx, 1)
		})
	}
}

// skiplistWorkload drives mixed operations on one shared sorted set. Keys
// are drawn by fingerprinting per-thread random bytes, so the distribution
// stays uniform without a shared generator.
func skiplistWorkload(s *stm.STM) func(th *stm.Thread, rng *rand.Rand, n uint64) {
	set := sortedset.New(s)
	return func(th *stm.Thread, rng *rand.Rand, n uint64) {
		var buf [8]byte
		seed := rng.Uint64()
		for i := 0; i < 8; i++ {
			buf[i] = byte(seed >> (8 * uint(i)))
		}
		key := farm.Fingerprint64(buf[:]) % *keySpace
		r := rng.Intn(100)
		switch {
		case r < *updateRate/2:
			set.Add(th, key, n)
		case r < *updateRate:
			set.Remove(th, key)
		default:
			set.Contains(th, key)
		}
	}
}
