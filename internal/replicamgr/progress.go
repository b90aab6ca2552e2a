package replicamgr

import (
	"sort"
	"time"

	"github.com/jfoltran/replicator/internal/session"
	"github.com/jfoltran/replicator/pkg/lsn"
)

// progress is the result of one quorum computation pass.
type progress struct {
	committed lsn.LSN
	completed lsn.LSN
	allAcked  lsn.LSN
}

// computeQuorum implements the committed/completed/all-acked algorithm for
// one configuration (CC or PC): committed is the (quorum-1)-th highest
// apply-ack among actives (the primary itself is an implicit first ack, so
// only quorum-1 replica acks are required); completed is the lowest
// receive-ack among non-faulted actives, clamped to committed; allAcked is
// the slowest apply-ack of all. An empty actives set with quorum<=1
// degenerates to primaryLSN (the primary alone satisfies quorum).
func computeQuorum(actives []*session.Session, quorum int, primaryLSN lsn.LSN) progress {
	if len(actives) == 0 {
		if quorum <= 1 {
			return progress{committed: primaryLSN, completed: primaryLSN, allAcked: primaryLSN}
		}
		return progress{}
	}

	applyAcks := make([]lsn.LSN, 0, len(actives))
	for _, s := range actives {
		applyAcks = append(applyAcks, s.QuorumAckLSN())
	}
	sort.Slice(applyAcks, func(i, j int) bool { return applyAcks[i] > applyAcks[j] })

	idx := quorum - 2
	var committed lsn.LSN
	switch {
	case idx < 0:
		// Quorum is satisfied by the primary alone; the best available
		// replica ack still bounds committed from below.
		committed = lsn.Max2(primaryLSN, applyAcks[0])
	case idx < len(applyAcks):
		committed = applyAcks[idx]
	default:
		// Not enough actives yet to satisfy quorum: nothing is
		// committed.
		committed = 0
	}

	receiveAcks := make([]lsn.LSN, 0, len(actives))
	for _, s := range actives {
		if s.IsFaulted() {
			continue
		}
		receiveAcks = append(receiveAcks, s.ReceiveAckLSN())
	}
	var completed lsn.LSN
	if len(receiveAcks) > 0 {
		sort.Slice(receiveAcks, func(i, j int) bool { return receiveAcks[i] < receiveAcks[j] })
		completed = receiveAcks[0]
	}
	if completed > committed {
		completed = committed
	}

	allAcked := applyAcks[len(applyAcks)-1]

	return progress{committed: committed, completed: completed, allAcked: allAcked}
}

// reduce combines CC and PC progress per the I/P,S/N transition rule: when
// a PC progress is given, the final committed/completed/all-acked values
// are the minimum of the two configurations' numbers; with pc nil, CC
// progress is returned unchanged. The special case of a PC with exactly
// one session and quorum 1 is handled by computeProgressLocked before
// reduce is called.
func reduce(cc progress, pc *progress) progress {
	if pc == nil {
		return cc
	}
	return progress{
		committed: lsn.Min(cc.committed, pc.committed),
		completed: lsn.Min(cc.completed, pc.completed),
		allAcked:  lsn.Min(cc.allAcked, pc.allAcked),
	}
}

// clampToIdleLowerBound ensures completed never races ahead of what an
// idle (still building) replica has received, so that the operations it
// still needs aren't pruned from the queue before it catches up.
func clampToIdleLowerBound(completed lsn.LSN, idles []*session.Session) lsn.LSN {
	for _, s := range idles {
		if s.IsFaulted() {
			continue
		}
		if r := s.ReceiveAckLSN(); r < completed {
			completed = r
		}
	}
	return completed
}

// slowestByReceiveAckDuration returns the active session with the highest
// decayed receive-ack duration, or nil if there are none.
func slowestByReceiveAckDuration(actives []*session.Session) *session.Session {
	var slowest *session.Session
	var worst time.Duration
	for _, s := range actives {
		if d := s.ReceiveAckDuration(); slowest == nil || d > worst {
			slowest, worst = s, d
		}
	}
	return slowest
}
