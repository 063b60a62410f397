package dispatch

import "sync"

// job is one unit of dispatcher work: decode -> handle -> encode -> reply.
// Generalized from the corpus's in-memory workflow engine
// (runtime/agent/engine/inmem/engine.go), which runs each activity on its
// own goroutine and reports completion through a future; here jobs are
// consumed from a bounded pool of long-lived workers instead of one
// goroutine per job, matching spec.md #4.2's "bounded worker pool".
type job struct {
	run func()
}

// workerPool runs queued jobs on a fixed number of goroutines (spec.md
// #4.2, default 5, configurable).
type workerPool struct {
	jobs chan job
	wg   sync.WaitGroup
}

func newWorkerPool(size int) *workerPool {
	if size <= 0 {
		size = 5
	}
	p := &workerPool{jobs: make(chan job, size*4)}
	p.wg.Add(size)
	for i := 0; i < size; i++ {
		go p.loop()
	}
	return p
}

func (p *workerPool) loop() {
	defer p.wg.Done()
	for j := range p.jobs {
		j.run()
	}
}

// Submit enqueues fn to run on a worker goroutine. It blocks only while the
// queue is full, never while fn itself runs.
func (p *workerPool) Submit(fn func()) {
	p.jobs <- job{run: fn}
}

// Close stops accepting new jobs and waits for in-flight jobs to finish.
func (p *workerPool) Close() {
	close(p.jobs)
	p.wg.Wait()
}

// QueueDepth reports how many jobs are currently buffered ahead of the
// workers, for the queue-depth gauge (spec.md AMBIENT STACK metrics).
func (p *workerPool) QueueDepth() int {
	return len(p.jobs)
}
