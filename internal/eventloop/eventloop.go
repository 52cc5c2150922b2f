// Package eventloop implements the Event Loop of spec §4.5: a single
// epoll-driven dispatch goroutine plus one deferred-work goroutine, a
// refcounted fd-slot array with link/unlink for pairing half-duplex
// streams, and two timer flavours served through the epoll_wait timeout
// (there is no separate OS timer descriptor). It is
// ported from the shape of original_source/lib/cbpoll.c/.h: cbpoll_fd
// becomes slot, cbpoll_fd_ops becomes FDOps, dspd_cbtimer becomes cbTimer,
// the event_pipe becomes an eventfd used only to break epoll_wait early.
package eventloop

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/dspdaemon/dspd/internal/dspderr"
)

// FDOps is the per-slot callback vtable (cbpoll_fd_ops).
type FDOps struct {
	// FDEvent fires when fd becomes ready per the registered event mask.
	// A negative return closes the fd and releases the slot's loop-held
	// reference.
	FDEvent func(l *Loop, index int, fd int, revents uint32) int32
	// Destructor runs exactly once, when refcount reaches zero. Returning
	// false vetoes closing the underlying fd (e.g. a shared server fd).
	Destructor func(l *Loop, index int, fd int) (closeFD bool)
}

type slot struct {
	fd         int
	events     uint32
	registered bool
	removed    bool
	refcount   int32
	linked     int // index of paired slot, or -1
	ops        FDOps
	user       any

	hasTimer bool
	deadline int64
}

// cbTimer is a callback timer kept in the sorted pending list (spec §4.5
// "Callback timers, kept in a sorted linked list").
type cbTimer struct {
	deadline int64
	period   int64
	fire     func(now int64) bool // return true to reschedule at now+period (period > 0 only)
	canceled bool
	next     *cbTimer
}

// WorkFunc runs on the deferred-work goroutine, off the dispatch hot path.
type WorkFunc func(arg any) any

// WorkResultFunc runs back on the dispatch goroutine once WorkFunc returns.
type WorkResultFunc func(l *Loop, index int, result any)

type workItem struct {
	index  int
	arg    any
	fn     WorkFunc
	result WorkResultFunc
}

type workDone struct {
	index  int
	result any
	fn     WorkResultFunc
}

// Loop is one event-loop instance: one dispatch goroutine (Run), one
// deferred-work goroutine, a slot array, and a software timer layer.
type Loop struct {
	epfd    int
	breakFD int // eventfd used to wake epoll_wait on demand

	mu       sync.Mutex
	slots    []slot
	freeList []int

	cbTimers *cbTimer

	work     chan workItem
	done     chan workDone
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}

	nowFunc func() int64
}

// New creates an epoll instance, its break-eventfd, and starts the
// deferred-work goroutine. nowFunc supplies monotonic nanoseconds (tests
// can inject a fake clock); if nil, time.Now().UnixNano() is used.
func New(nowFunc func() int64) (*Loop, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, dspderr.New(dspderr.KindNoDev, "eventloop.new", err)
	}
	efd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		unix.Close(epfd)
		return nil, dspderr.New(dspderr.KindNoDev, "eventloop.new", err)
	}
	if nowFunc == nil {
		nowFunc = func() int64 { return time.Now().UnixNano() }
	}
	l := &Loop{
		epfd:    epfd,
		breakFD: efd,
		work:    make(chan workItem, 64),
		done:    make(chan workDone, 64),
		stopCh:  make(chan struct{}),
		nowFunc: nowFunc,
	}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, efd, &unix.EpollEvent{Events: unix.EPOLLIN, Fd: -1}); err != nil {
		unix.Close(epfd)
		unix.Close(efd)
		return nil, dspderr.New(dspderr.KindNoDev, "eventloop.new", err)
	}
	l.wg.Add(1)
	go l.workerLoop()
	return l, nil
}

// AddFD registers fd with epfd under events, returning its slot index with
// an initial refcount of 1 (spec §4.5 "add_fd → 1").
func (l *Loop) AddFD(fd int, events uint32, ops FDOps, user any) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	idx := l.allocSlot()
	l.slots[idx] = slot{fd: fd, events: events, registered: true, refcount: 1, linked: -1, ops: ops, user: user}
	ev := &unix.EpollEvent{Events: events, Fd: int32(idx)}
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, fd, ev); err != nil {
		l.freeList = append(l.freeList, idx)
		return 0, dspderr.New(dspderr.KindNoDev, "eventloop.add_fd", err)
	}
	return idx, nil
}

func (l *Loop) allocSlot() int {
	if n := len(l.freeList); n > 0 {
		idx := l.freeList[n-1]
		l.freeList = l.freeList[:n-1]
		return idx
	}
	l.slots = append(l.slots, slot{})
	return len(l.slots) - 1
}

// Ref increments a slot's refcount.
func (l *Loop) Ref(index int) uint32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.slots[index].refcount++
	if linked := l.slots[index].linked; linked >= 0 {
		l.slots[linked].refcount++
	}
	return uint32(l.slots[index].refcount)
}

// Unref decrements a slot's refcount; at zero it runs the destructor
// exactly once and, unless vetoed, closes the fd and frees the slot. A
// linked slot's refcount is cascaded identically (spec §4.5 "Reference
// counting ... a slot may be linked to one other slot so refs/unrefs
// cascade").
func (l *Loop) Unref(index int) uint32 {
	l.mu.Lock()
	s := &l.slots[index]
	s.refcount--
	rc := s.refcount
	linked := s.linked
	linkedRC := int32(1)
	if linked >= 0 {
		l.slots[linked].refcount--
		linkedRC = l.slots[linked].refcount
	}
	l.mu.Unlock()

	if rc <= 0 {
		l.retire(index)
	}
	if linked >= 0 && linkedRC <= 0 {
		l.retire(linked)
	}
	return uint32(rc)
}

func (l *Loop) retire(index int) {
	l.mu.Lock()
	s := &l.slots[index]
	if s.removed {
		l.mu.Unlock()
		return
	}
	s.removed = true
	fd, ops := s.fd, s.ops
	l.mu.Unlock()

	closeFD := true
	if ops.Destructor != nil {
		closeFD = ops.Destructor(l, index, fd)
	}
	if closeFD {
		unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, fd, nil)
		unix.Close(fd)
	}
	l.mu.Lock()
	l.freeList = append(l.freeList, index)
	l.mu.Unlock()
}

// Link ties two slots so ref/unref on either cascades to the other,
// modeling the coupling between an accepted client socket and its
// async-io context (spec §4.5).
func (l *Loop) Link(a, b int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.slots[a].linked = b
	l.slots[b].linked = a
}

// SetEvents updates a slot's requested epoll events. Setting the mask it
// already has is a no-op; any other change issues epoll_ctl(MOD) at once,
// so back-to-back changes within one dispatch round are not batched.
func (l *Loop) SetEvents(index int, events uint32) error {
	l.mu.Lock()
	s := &l.slots[index]
	if s.events == events {
		l.mu.Unlock()
		return nil
	}
	s.events = events
	fd := s.fd
	l.mu.Unlock()
	ev := &unix.EpollEvent{Events: events, Fd: int32(index)}
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_MOD, fd, ev); err != nil {
		return dspderr.New(dspderr.KindNoDev, "eventloop.set_events", err)
	}
	return nil
}

// Refcount reports a slot's current reference count.
func (l *Loop) Refcount(index int) uint32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return uint32(l.slots[index].refcount)
}

// ArmSlotTimer sets a one-shot timer on index, firing via FDEvent-style
// dispatch (zero revents) in the first RunOnce that drains timers at or
// after deadline (spec §4.5 "Slot timers (one per slot, oneshot)").
func (l *Loop) ArmSlotTimer(index int, deadline int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.slots[index].hasTimer = true
	l.slots[index].deadline = deadline
}

// CancelSlotTimer is lazy: the timer may still fire once more before being
// ignored (spec §4.5 "Cancellation semantics").
func (l *Loop) CancelSlotTimer(index int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.slots[index].hasTimer = false
}

// AddCBTimer inserts a callback timer into the sorted pending list. fire
// is invoked with the firing time; when period > 0, returning true
// reschedules it `period` nanoseconds after that firing time. A timer with
// period 0 fires once whatever fire returns.
func (l *Loop) AddCBTimer(deadline, period int64, fire func(now int64) bool) *cbTimer {
	t := &cbTimer{deadline: deadline, period: period, fire: fire}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.insertCBTimerLocked(t)
	return t
}

func (l *Loop) insertCBTimerLocked(t *cbTimer) {
	if l.cbTimers == nil || t.deadline < l.cbTimers.deadline {
		t.next = l.cbTimers
		l.cbTimers = t
		return
	}
	cur := l.cbTimers
	for cur.next != nil && cur.next.deadline <= t.deadline {
		cur = cur.next
	}
	t.next = cur.next
	cur.next = t
}

// CancelCBTimer unlinks t immediately (spec §4.5: "Cancelling a callback
// timer unlinks it immediately").
func (l *Loop) CancelCBTimer(t *cbTimer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	t.canceled = true
	if l.cbTimers == t {
		l.cbTimers = t.next
		return
	}
	for cur := l.cbTimers; cur != nil; cur = cur.next {
		if cur.next == t {
			cur.next = t.next
			return
		}
	}
}

// nextTimeout computes min(next_slot_timer, head_of_cbtimer_list) per
// spec §4.5 "Timers", returning -1 if nothing is armed.
func (l *Loop) nextTimeout(now int64) int64 {
	best := int64(-1)
	for i := range l.slots {
		s := &l.slots[i]
		if s.removed || !s.hasTimer {
			continue
		}
		if best < 0 || s.deadline < best {
			best = s.deadline
		}
	}
	if l.cbTimers != nil && !l.cbTimers.canceled {
		if best < 0 || l.cbTimers.deadline < best {
			best = l.cbTimers.deadline
		}
	}
	return best
}

// drainTimers fires every slot timer and cbtimer whose deadline has
// passed, exactly once each (spec §4.5 step 6).
func (l *Loop) drainTimers(now int64) {
	l.mu.Lock()
	var fired []int
	for i := range l.slots {
		s := &l.slots[i]
		if !s.removed && s.hasTimer && s.deadline <= now {
			s.hasTimer = false
			fired = append(fired, i)
		}
	}
	var dueTimers []*cbTimer
	for l.cbTimers != nil && !l.cbTimers.canceled && l.cbTimers.deadline <= now {
		t := l.cbTimers
		l.cbTimers = t.next
		t.next = nil
		dueTimers = append(dueTimers, t)
	}
	l.mu.Unlock()

	for _, idx := range fired {
		l.mu.Lock()
		ops := l.slots[idx].ops
		fd := l.slots[idx].fd
		l.mu.Unlock()
		if ops.FDEvent != nil {
			ops.FDEvent(l, idx, fd, 0)
		}
	}
	for _, t := range dueTimers {
		if t.fire == nil {
			continue
		}
		if t.fire(now) && t.period > 0 {
			t.deadline = now + t.period
			l.mu.Lock()
			l.insertCBTimerLocked(t)
			l.mu.Unlock()
		}
	}
}

// SubmitWork enqueues fn to run on the deferred-work goroutine; once it
// returns, result runs back on the dispatch goroutine via RunOnce (spec
// §4.5 "work thread").
func (l *Loop) SubmitWork(index int, arg any, fn WorkFunc, result WorkResultFunc) {
	l.work <- workItem{index: index, arg: arg, fn: fn, result: result}
}

func (l *Loop) workerLoop() {
	defer l.wg.Done()
	for {
		select {
		case item, ok := <-l.work:
			if !ok {
				return
			}
			res := item.fn(item.arg)
			l.done <- workDone{index: item.index, result: res, fn: item.result}
			l.wakeSelf()
		case <-l.stopCh:
			return
		}
	}
}

func (l *Loop) wakeSelf() {
	var buf [8]byte
	buf[0] = 1
	unix.Write(l.breakFD, buf[:])
}

// RunOnce executes one dispatch round: publish the next timer deadline,
// epoll_wait up to that deadline (or up to maxWaitMS if no timer is
// armed), dispatch ready fds, then drain due timers and completed work
// (spec §4.5 steps 1-6).
func (l *Loop) RunOnce(maxWaitMS int) error {
	now := l.nowFunc()
	timeout := maxWaitMS
	if deadline := l.nextTimeout(now); deadline >= 0 {
		ms := int((deadline - now) / 1_000_000)
		if ms < 0 {
			ms = 0
		}
		if ms < timeout || timeout < 0 {
			timeout = ms
		}
	}

	var events [64]unix.EpollEvent
	n, err := unix.EpollWait(l.epfd, events[:], timeout)
	if err != nil && err != unix.EINTR {
		return dspderr.New(dspderr.KindFault, "eventloop.run_once", err)
	}

	for i := 0; i < n; i++ {
		idx := int(events[i].Fd)
		if idx < 0 {
			var buf [8]byte
			unix.Read(l.breakFD, buf[:])
			continue
		}
		l.mu.Lock()
		if idx >= len(l.slots) || l.slots[idx].removed {
			l.mu.Unlock()
			continue
		}
		ops := l.slots[idx].ops
		fd := l.slots[idx].fd
		l.mu.Unlock()

		if ops.FDEvent == nil {
			continue
		}
		if ops.FDEvent(l, idx, fd, events[i].Events) < 0 {
			l.Unref(idx)
		}
	}

	l.drainTimers(l.nowFunc())
	l.drainCompletedWork()
	return nil
}

func (l *Loop) drainCompletedWork() {
	for {
		select {
		case wd := <-l.done:
			if wd.fn != nil {
				wd.fn(l, wd.index, wd.result)
			}
		default:
			return
		}
	}
}

// AcceptResult is what an off-thread connection-setup callback hands back
// to the dispatch thread to register as a new slot.
type AcceptResult struct {
	FD     int
	Events uint32
	Ops    FDOps
	User   any
}

type acceptOutcome struct {
	res AcceptResult
	err error
}

// Accept runs the generic "async accept, create off-thread, re-activate
// listener" pattern (spec "Supplemented Features": cbpoll_client_* accept
// helper): fd has already been accepted on the dispatch thread (fast,
// non-blocking); the heavier per-connection setup in create (allocating a
// PCM client, an async-io context, and so on) runs on the deferred-work
// goroutine so it never stalls other fds' dispatch. Once create returns,
// the new slot is registered back on the dispatch thread.
func (l *Loop) Accept(listenerIdx int, fd int, create func(fd int) (AcceptResult, error)) {
	l.SubmitWork(listenerIdx, fd, func(arg any) any {
		acceptedFD := arg.(int)
		res, err := create(acceptedFD)
		return acceptOutcome{res: res, err: err}
	}, func(l *Loop, index int, result any) {
		out := result.(acceptOutcome)
		if out.err != nil {
			unix.Close(fd)
			return
		}
		l.AddFD(out.res.FD, out.res.Events, out.res.Ops, out.res.User)
	})
}

// Shutdown runs each live slot's destructor exactly once, then stops the
// worker goroutine (spec §4.5 "Shutdown aborts the loop after running
// each live slot's destructor exactly once").
func (l *Loop) Shutdown() {
	l.mu.Lock()
	live := make([]int, 0, len(l.slots))
	for i := range l.slots {
		if !l.slots[i].removed {
			live = append(live, i)
		}
	}
	l.mu.Unlock()
	for _, idx := range live {
		l.retire(idx)
	}
	l.stopOnce.Do(func() { close(l.stopCh) })
	l.wg.Wait()
	unix.Close(l.breakFD)
	unix.Close(l.epfd)
}
