package rfm9x

import "time"

// WaitCAD runs channel activity detection and reports whether the channel is
// clear. It returns true immediately when CADTimeout is zero, and false when
// the check does not finish within CADTimeout.
// This method is concurrent safe.
func (d *Device) WaitCAD() bool {
	d.opMu.Lock()
	defer d.opMu.Unlock()
	return d.waitCAD()
}

func (d *Device) waitCAD() bool {
	if d.config.CADTimeout <= 0 {
		return true
	}

	d.mu.Lock()
	select {
	case <-d.cadDone:
	default:
	}
	d.setMode(ModeCAD)
	d.mu.Unlock()

	timer := time.NewTimer(d.deadlineAfter(d.config.CADTimeout).remaining())
	defer timer.Stop()
	select {
	case detected := <-d.cadDone:
		return !detected
	case <-timer.C:
		d.mu.Lock()
		if d.mode == ModeCAD {
			d.setMode(ModeStandby)
		}
		d.mu.Unlock()
		return false
	}
}
