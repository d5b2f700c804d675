package ra

import "sync"

// workerPool runs request handlers on a fixed number of goroutines, apart
// from connection readers and writers.
type workerPool struct {
	tasks chan func()
	wg    sync.WaitGroup
	once  sync.Once
}

func newWorkerPool(workers, queue int) *workerPool {
	p := &workerPool{tasks: make(chan func(), queue)}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.work()
	}
	return p
}

func (p *workerPool) work() {
	defer p.wg.Done()
	for task := range p.tasks {
		task()
	}
}

// submit blocks while the queue is full. It must not be called after
// stop.
func (p *workerPool) submit(task func()) {
	p.tasks <- task
}

// stop waits for queued tasks to finish.
func (p *workerPool) stop() {
	p.once.Do(func() {
		close(p.tasks)
	})
	p.wg.Wait()
}
