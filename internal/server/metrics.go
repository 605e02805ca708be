package server

import (
	"github.com/prometheus/client_golang/prometheus"

	"accord/internal/notify"
)

// metrics counts the protocol transitions the operator cares about. The
// finalize-side counters feed off the event hub so in-process consumers
// (the quorum aggregator) are counted the same as HTTP ones.
type metrics struct {
	tasksCreated  prometheus.Counter
	tasksDone     prometheus.Counter
	tasksStalled  prometheus.Counter
	submissions   prometheus.Counter
	quorumCreated prometheus.Counter
	quorumReached prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		tasksCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "accord_tasks_created_total",
			Help: "Tasks accepted by the registry.",
		}),
		tasksDone: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "accord_tasks_finalized_total",
			Help: "Tasks that reached redundancy consensus.",
		}),
		tasksStalled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "accord_tasks_no_consensus_total",
			Help: "Tasks whose slots filled without reaching consensus.",
		}),
		submissions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "accord_submissions_total",
			Help: "Worker submissions accepted over HTTP.",
		}),
		quorumCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "accord_quorum_tasks_created_total",
			Help: "Quorum tasks accepted.",
		}),
		quorumReached: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "accord_quorum_reached_total",
			Help: "Quorum tasks that reached threshold agreement.",
		}),
	}
	reg.MustRegister(m.tasksCreated, m.tasksDone, m.tasksStalled, m.submissions, m.quorumCreated, m.quorumReached)
	return m
}

// observe consumes hub events until the subscription closes.
func (m *metrics) observe(sub *notify.Subscription) {
	for ev := range sub.C {
		switch ev.Kind {
		case notify.KindTaskCreated:
			m.tasksCreated.Inc()
		case notify.KindTaskFinalized:
			m.tasksDone.Inc()
		case notify.KindTaskNoConsensus:
			m.tasksStalled.Inc()
		case notify.KindQuorumCreated:
			m.quorumCreated.Inc()
		case notify.KindQuorumReached:
			m.quorumReached.Inc()
		}
	}
}
