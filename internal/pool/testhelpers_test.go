package pool

import (
	"context"
	"sync"

	"github.com/taskmesh/pool/internal/platform/logger"
	"github.com/taskmesh/pool/internal/platform/metrics"
)

// testMetrics is package-wide: Metrics.Register uses prometheus.MustRegister
// against the default registerer, which panics on a second registration of
// the same metric name, so every test in this package shares one instance
// rather than each constructing its own.
var (
	testMetricsOnce sync.Once
	testMetricsInst *metrics.Metrics
)

func newTestMetrics() *metrics.Metrics {
	testMetricsOnce.Do(func() {
		testMetricsInst = metrics.NewMetrics("pool_test")
	})
	return testMetricsInst
}

// nopLogger satisfies logger.Logger while discarding everything, so tests
// can construct pools/dispatchers without pulling in zap.
type nopLogger struct {
	fields map[string]interface{}
}

func newNopLogger() logger.Logger { return &nopLogger{} }

func (l *nopLogger) Debug(msg string, fields ...interface{}) {}
func (l *nopLogger) Info(msg string, fields ...interface{})  {}
func (l *nopLogger) Warn(msg string, fields ...interface{})  {}
func (l *nopLogger) Error(msg string, fields ...interface{}) {}
func (l *nopLogger) Fatal(msg string, fields ...interface{}) {}

func (l *nopLogger) WithFields(fields map[string]interface{}) logger.Logger {
	return l
}

func (l *nopLogger) WithContext(ctx context.Context) logger.Logger {
	return l
}

// echoBody is a minimal WorkerBody that completes every task immediately by
// reflecting its payload back as the result, ignores "cancel" actions, and
// answers stream messages with streamReady so stream-lifecycle tests don't
// need a real subprocess.
func echoBody(ctx context.Context, in <-chan Message, out chan<- Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			switch msg.Action {
			case "cancel":
				continue
			}
			if msg.StreamID != "" {
				out <- Message{StreamID: msg.StreamID, Type: "streamReady"}
				continue
			}
			out <- Message{TaskID: msg.TaskID, Status: "completed", Result: msg.Data}
		}
	}
}

// blockingBody never responds, useful for exercising timeout paths.
func blockingBody(ctx context.Context, in <-chan Message, out chan<- Message) {
	<-ctx.Done()
}
