package rfm9x

// edgeSignal hands pin interrupts to a goroutine. notify only does a
// non-blocking send on a buffered channel, so it is safe to call from an
// interrupt service routine; edges arriving while the handler runs coalesce
// into one pending run.
type edgeSignal struct {
	pending chan struct{}
	stop    chan struct{}
	done    chan struct{}
}

func startEdgeSignal(handler func()) *edgeSignal {
	s := &edgeSignal{
		pending: make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go func() {
		defer close(s.done)
		for {
			select {
			case <-s.stop:
				return
			case <-s.pending:
				handler()
			}
		}
	}()
	return s
}

func (s *edgeSignal) notify() {
	select {
	case s.pending <- struct{}{}:
	default:
	}
}

// close stops the goroutine and waits for a running handler to return.
func (s *edgeSignal) close() {
	close(s.stop)
	<-s.done
}
