package pmm

import "github.com/Rohit12234/Escape/kernel/mm"

// framePool tracks reservations for a range of frames using a bitmap. A set
// bit marks a reserved frame.
type framePool struct {
	// startFrame is the frame number for the first page in this pool.
	// each bitmap entry i corresponds to frame (startFrame + i).
	startFrame mm.Frame

	// endFrame is the first frame past the end of the pool.
	endFrame mm.Frame

	// freeCount tracks the available frames in this pool so exhausted
	// pools can be rejected without scanning the bitmap.
	freeCount uint64

	bitmap []uint64
}

func newFramePool(start, end mm.Frame) framePool {
	count := uint64(end - start)
	return framePool{
		startFrame: start,
		endFrame:   end,
		freeCount:  count,
		bitmap:     make([]uint64, (count+63)>>6),
	}
}

func (p *framePool) size() uint64 {
	return uint64(p.endFrame - p.startFrame)
}

func (p *framePool) contains(frame mm.Frame) bool {
	return frame >= p.startFrame && frame < p.endFrame
}

func (p *framePool) bitFor(frame mm.Frame) (int, uint64) {
	relFrame := uint64(frame - p.startFrame)
	return int(relFrame >> 6), 1 << (63 - (relFrame & 63))
}

func (p *framePool) isReserved(frame mm.Frame) bool {
	block, mask := p.bitFor(frame)
	return p.bitmap[block]&mask != 0
}

// markFrame updates the reservation flag for frame.
func (p *framePool) markFrame(frame mm.Frame, reserved bool) {
	block, mask := p.bitFor(frame)
	switch reserved {
	case true:
		p.bitmap[block] |= mask
		p.freeCount--
	default:
		p.bitmap[block] &^= mask
		p.freeCount++
	}
}

// findRange returns the first run of count free frames whose first frame
// number is a multiple of align. When a candidate run contains a reserved
// frame the search resumes at the next aligned frame past it.
func (p *framePool) findRange(count, align uint64) (mm.Frame, bool) {
	if count > p.freeCount {
		return mm.InvalidFrame, false
	}

	candidate := alignFrame(p.startFrame, align)
	for candidate+mm.Frame(count) <= p.endFrame && candidate >= p.startFrame {
		blocked := mm.InvalidFrame
		for frame := candidate; frame < candidate+mm.Frame(count); frame++ {
			if p.isReserved(frame) {
				blocked = frame
				break
			}
		}

		if blocked == mm.InvalidFrame {
			return candidate, true
		}

		candidate = alignFrame(blocked+1, align)
	}

	return mm.InvalidFrame, false
}

func alignFrame(frame mm.Frame, align uint64) mm.Frame {
	return (frame + mm.Frame(align-1)) &^ mm.Frame(align-1)
}
