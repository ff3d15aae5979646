package ygggo_odbc

import (
	"context"

	"github.com/agnosticeng/panicsafe"
)

// queryHandler is how one kind of statement starts and ends its native work.
type queryHandler interface {
	kind() string
	begin(ctx context.Context, nc NativeConn) (NativeStatement, error)
	// end runs on the loop once the protocol reached a terminal state.
	// err is the terminal error, nil when the batch completed.
	end(s *Statement, err error)
}

type plainHandler struct {
	sql    string
	params []any
}

func (h *plainHandler) kind() string { return "query" }

func (h *plainHandler) begin(ctx context.Context, nc NativeConn) (NativeStatement, error) {
	return nc.Query(ctx, h.sql, h.params)
}

func (h *plainHandler) end(s *Statement, err error) { s.release(s.done) }

// preparedHandler binds parameters to an already parsed statement; every
// execution gets its own query id.
type preparedHandler struct {
	prepared *Prepared
	params   []any
}

func (h *preparedHandler) kind() string { return "prepared" }

func (h *preparedHandler) begin(ctx context.Context, nc NativeConn) (NativeStatement, error) {
	np := h.prepared.handle()
	if np == nil { return nil, ErrStatementReleased }
	return np.Bind(ctx, h.params)
}

func (h *preparedHandler) end(s *Statement, err error) { s.release(s.done) }

// batchHandler binds one parameter set after the other inside a single task.
type batchHandler struct {
	prepared *Prepared
	sets     [][]any
	next     int
}

func (h *batchHandler) kind() string { return "prepared_batch" }

func (h *batchHandler) begin(ctx context.Context, nc NativeConn) (NativeStatement, error) {
	np := h.prepared.handle()
	if np == nil { return nil, ErrStatementReleased }
	return np.Bind(ctx, h.sets[h.next])
}

func (h *batchHandler) end(s *Statement, err error) {
	h.next++
	if err != nil || h.next >= len(h.sets) {
		s.release(s.done)
		return
	}
	s.restart()
}

// procedureHandler runs a stored procedure. Output parameters are read by a
// separate unbind task queued directly behind it, once every statement of the
// procedure has finished.
type procedureHandler struct {
	name   string
	params []ProcParam
}

func (h *procedureHandler) kind() string { return "procedure" }

func (h *procedureHandler) begin(ctx context.Context, nc NativeConn) (NativeStatement, error) {
	return nc.CallProcedure(ctx, h.name, h.params)
}

func (h *procedureHandler) end(s *Statement, err error) {
	if err != nil || s.native == nil {
		s.release(s.done)
		return
	}
	s.conn.queue.enqueueNext(&task{
		name:    "unbind",
		execute: s.unbind,
		fail:    s.fail,
	})
	s.done()
}

// unbind is the task body retrieving procedure output parameters.
func (s *Statement) unbind(done func()) {
	st, ctx := s.native, s.runCtx
	s.conn.reg.submit(func() {
		var out OutputParams
		err := panicsafe.Recover(func() error {
			var err error
			out, err = st.Unbind(ctx)
			return err
		})
		s.post(func() {
			if err != nil {
				s.results.Errors = append(s.results.Errors, err)
				s.route(err, false)
			} else {
				s.results.Output = out.Values
				s.results.ReturnCode = out.ReturnCode
				s.emitOutput(out)
			}
			s.release(done)
		}, st)
	})
}
