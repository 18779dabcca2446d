package stream_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/answergrid/answerstream/citest/testutil"
	"github.com/answergrid/answerstream/internal/session"
	"github.com/answergrid/answerstream/internal/stub"
	"github.com/answergrid/answerstream/pkg/types"
)

func newController() *session.Controller {
	return session.NewController(&session.HTTPTransport{Endpoint: testServer.BaseURL})
}

var _ = Describe("Answer streaming", func() {
	Describe("happy path", func() {
		It("streams the answer incrementally and completes once", func() {
			rec := &testutil.Recorder{}
			newController().Run(ctx, session.Options{Query: "what plans do you offer"}, rec.Callbacks())

			Expect(rec.DoneCount).To(Equal(1))
			Expect(rec.ErrCount).To(BeZero())
			Expect(rec.FinalText).To(Equal("You asked: what plans do you offer"))
			Expect(len(rec.Chunks)).To(BeNumerically(">", 1))
			Expect(rec.Chunks[len(rec.Chunks)-1]).To(Equal(rec.FinalText))
			Expect(rec.Sources).To(HaveLen(1))
			Expect(rec.Metadata).To(HaveKey("execution_time"))
		})

		It("accumulates chunks monotonically", func() {
			rec := &testutil.Recorder{}
			newController().Run(ctx, session.Options{Query: "tell me about pricing"}, rec.Callbacks())

			Expect(rec.DoneCount).To(Equal(1))
			for i := 1; i < len(rec.Chunks); i++ {
				Expect(rec.Chunks[i]).To(HavePrefix(rec.Chunks[i-1]))
			}
		})
	})

	Describe("failure modes", func() {
		It("recovers from a malformed frame mid-stream", func() {
			rec := &testutil.Recorder{}
			newController().Run(ctx, session.Options{Query: "scenario:malformed"}, rec.Callbacks())

			Expect(rec.DoneCount).To(Equal(1))
			Expect(rec.ErrCount).To(BeZero())
			Expect(rec.FinalText).To(Equal("Hello World"))
		})

		It("surfaces a backend error frame as a protocol error", func() {
			rec := &testutil.Recorder{}
			newController().Run(ctx, session.Options{Query: "scenario:error"}, rec.Callbacks())

			Expect(rec.ErrCount).To(Equal(1))
			Expect(rec.DoneCount).To(BeZero())
			Expect(rec.SessionErr.Code).To(Equal(types.ErrCodeProtocol))
			Expect(rec.SessionErr.BackendCode).To(Equal("E503"))
		})

		It("times out when the backend stalls", func() {
			rec := &testutil.Recorder{}
			start := time.Now()
			newController().Run(ctx, session.Options{
				Query:       "scenario:stall",
				IdleTimeout: 200 * time.Millisecond,
			}, rec.Callbacks())

			Expect(rec.ErrCount).To(Equal(1))
			Expect(rec.SessionErr.Code).To(Equal(types.ErrCodeTimeout))
			Expect(time.Since(start)).To(BeNumerically("<", 5*time.Second))
		})

		It("completes when the stream closes without a sentinel", func() {
			rec := &testutil.Recorder{}
			newController().Run(ctx, session.Options{Query: "scenario:close"}, rec.Callbacks())

			Expect(rec.DoneCount).To(Equal(1))
			Expect(rec.FinalText).To(Equal("Truncated but usable answer."))
		})
	})

	Describe("progress steps", func() {
		It("surfaces only keepalives above the elapsed threshold", func() {
			rec := &testutil.Recorder{}
			newController().Run(ctx, session.Options{Query: "scenario:keepalive"}, rec.Callbacks())

			Expect(rec.DoneCount).To(Equal(1))
			var keepalives []types.StepEvent
			for _, s := range rec.Steps {
				if s.Kind == types.StepKeepalive {
					keepalives = append(keepalives, s)
				}
			}
			Expect(keepalives).To(HaveLen(1))
			Expect(keepalives[0].Details["elapsed"]).To(BeNumerically("==", 25))
		})
	})

	Describe("cancellation", func() {
		It("reports ABORTED without network traffic when cancelled up front", func() {
			cancelled, cancel := context.WithCancel(ctx)
			cancel()

			rec := &testutil.Recorder{}
			newController().Run(cancelled, session.Options{Query: "never sent"}, rec.Callbacks())

			Expect(rec.ErrCount).To(Equal(1))
			Expect(rec.SessionErr.Code).To(Equal(types.ErrCodeAborted))
		})

		It("suppresses the terminal callback on mid-stream caller teardown", func() {
			testServer.Stub.AddScenario("scenario:slow-tokens", stub.Scenario{
				Frames: []stub.Frame{
					stub.Token("partial"),
					{Raw: ": pause", Delay: 10 * time.Second},
				},
				OmitSentinel: true,
			})

			runCtx, cancel := context.WithCancel(ctx)
			go func() {
				time.Sleep(300 * time.Millisecond)
				cancel()
			}()

			rec := &testutil.Recorder{}
			newController().Run(runCtx, session.Options{Query: "scenario:slow-tokens"}, rec.Callbacks())

			Expect(rec.TerminalCount()).To(BeZero())
			Expect(rec.Chunks).To(ContainElement("partial"))
		})
	})
})
