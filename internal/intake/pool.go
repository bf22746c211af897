package intake

// pixelPool is a fixed set of long-lived workers, each owning a disjoint
// pixel range. A frame is processed by broadcasting a start signal and
// waiting on the completion barrier; the workers stay parked between
// frames so the per-iteration cost is two channel operations per worker.
type pixelPool struct {
	workers int
	ranges  [][2]int
	start   []chan job
	done    chan struct{}
	quit    chan struct{}
}

type job struct {
	raw, dark, dst []float64
}

func newPixelPool(workers, npix int) *pixelPool {
	p := &pixelPool{
		workers: workers,
		ranges:  make([][2]int, workers),
		start:   make([]chan job, workers),
		done:    make(chan struct{}, workers),
		quit:    make(chan struct{}),
	}
	chunk := (npix + workers - 1) / workers
	for w := 0; w < workers; w++ {
		lo := w * chunk
		hi := lo + chunk
		if hi > npix {
			hi = npix
		}
		p.ranges[w] = [2]int{lo, hi}
		p.start[w] = make(chan job, 1)
		go p.run(w)
	}
	return p
}

func (p *pixelPool) run(w int) {
	lo, hi := p.ranges[w][0], p.ranges[w][1]
	for {
		select {
		case <-p.quit:
			return
		case j := <-p.start[w]:
			for i := lo; i < hi; i++ {
				j.dst[i] = j.raw[i] - j.dark[i]
			}
			p.done <- struct{}{}
		}
	}
}

// subtract fans the frame out and waits for every worker to finish.
func (p *pixelPool) subtract(raw, dark, dst []float64) {
	j := job{raw: raw, dark: dark, dst: dst}
	for w := 0; w < p.workers; w++ {
		p.start[w] <- j
	}
	for w := 0; w < p.workers; w++ {
		<-p.done
	}
}

func (p *pixelPool) close() {
	close(p.quit)
}
