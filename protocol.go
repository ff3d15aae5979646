package ygggo_odbc

// phase is the position of one statement in its protocol.
type phase int

const (
	phaseSubmitted phase = iota
	phaseAwaitingMeta
	phaseReadingRows
	phaseAwaitingNextResult
	phaseCompleted
	phaseError
)

func (p phase) String() string {
	switch p {
	case phaseSubmitted:
		return "submitted"
	case phaseAwaitingMeta:
		return "awaiting_meta"
	case phaseReadingRows:
		return "reading_rows"
	case phaseAwaitingNextResult:
		return "awaiting_next_result"
	case phaseCompleted:
		return "completed"
	case phaseError:
		return "error"
	}
	return "unknown"
}

func (p phase) terminal() bool { return p == phaseCompleted || p == phaseError }

// protocolState is everything the protocol remembers between native events.
type protocolState struct {
	phase    phase
	meta     []ColumnMeta
	rowIndex int
	column   int
	partial  any
	chunking bool
	// rowcountOnly is set when the current resultset carries no columns.
	rowcountOnly bool
	// failed is set when the current resultset raised an error.
	failed bool
}

func newProtocolState() protocolState {
	return protocolState{phase: phaseSubmitted, rowIndex: -1}
}

type eventKind int

const (
	evBegun eventKind = iota
	evMeta
	evRow
	evColumn
	evNextResult
	evError
)

// nativeEvent is the outcome of one native call.
type nativeEvent struct {
	kind      eventKind
	meta      []ColumnMeta
	endOfRows bool
	chunk     ColumnChunk
	info      ResultInfo
	err       error
	more      bool
	messages  []string
}

func errorEvent(err error, more bool) nativeEvent {
	return nativeEvent{kind: evError, err: err, more: more}
}

type commandKind int

const (
	cmdNone commandKind = iota
	cmdFetchMeta
	cmdFetchRow
	cmdFetchColumn
	cmdNextResult
	cmdFinish
)

// command is the next native call the protocol asks for.
type command struct {
	kind   commandKind
	column int
}

type obsKind int

const (
	obsMeta obsKind = iota
	obsRow
	obsColumn
	obsRowCount
	obsInfo
	obsError
	obsDone
)

// observation is an application-visible protocol event.
type observation struct {
	kind     obsKind
	meta     []ColumnMeta
	index    int
	value    any
	rowCount int64
	message  string
	err      error
	more     bool
}

// step applies one native event. It is pure: the caller performs the
// returned command and feeds its outcome back in as the next event.
func step(s protocolState, ev nativeEvent) (protocolState, []observation, command) {
	if s.phase.terminal() {
		return s, nil, command{}
	}
	var obs []observation
	for _, m := range ev.messages {
		obs = append(obs, observation{kind: obsInfo, message: m})
	}

	if ev.kind == evError {
		more := ev.more && s.phase != phaseSubmitted
		obs = append(obs, observation{kind: obsError, err: ev.err, more: more})
		s.partial, s.chunking = nil, false
		if !more {
			s.phase = phaseError
			return s, obs, command{kind: cmdFinish}
		}
		s.failed = true
		s.phase = phaseAwaitingNextResult
		return s, obs, command{kind: cmdNextResult}
	}

	switch s.phase {
	case phaseSubmitted:
		if ev.kind != evBegun { break }
		s.phase = phaseAwaitingMeta
		return s, obs, command{kind: cmdFetchMeta}

	case phaseAwaitingMeta:
		if ev.kind != evMeta { break }
		s.meta = ev.meta
		s.rowIndex = -1
		s.column = 0
		s.failed = false
		if len(ev.meta) == 0 {
			s.rowcountOnly = true
			s.phase = phaseAwaitingNextResult
			return s, obs, command{kind: cmdNextResult}
		}
		s.rowcountOnly = false
		s.phase = phaseReadingRows
		obs = append(obs, observation{kind: obsMeta, meta: ev.meta})
		return s, obs, command{kind: cmdFetchRow}

	case phaseReadingRows:
		switch ev.kind {
		case evRow:
			if ev.endOfRows {
				s.phase = phaseAwaitingNextResult
				return s, obs, command{kind: cmdNextResult}
			}
			s.rowIndex++
			s.column = 0
			obs = append(obs, observation{kind: obsRow, index: s.rowIndex})
			return s, obs, command{kind: cmdFetchColumn, column: 0}
		case evColumn:
			s.partial = appendChunk(s.partial, ev.chunk.Data, s.chunking)
			if ev.chunk.More {
				s.chunking = true
				return s, obs, command{kind: cmdFetchColumn, column: s.column}
			}
			obs = append(obs, observation{kind: obsColumn, index: s.column, value: s.partial})
			s.partial, s.chunking = nil, false
			s.column++
			if s.column < len(s.meta) {
				return s, obs, command{kind: cmdFetchColumn, column: s.column}
			}
			return s, obs, command{kind: cmdFetchRow}
		}

	case phaseAwaitingNextResult:
		if ev.kind != evNextResult { break }
		if s.rowcountOnly && !s.failed && ev.info.RowCount >= 0 {
			obs = append(obs, observation{kind: obsRowCount, rowCount: ev.info.RowCount})
		}
		s.meta, s.rowcountOnly, s.failed = nil, false, false
		if ev.info.More {
			s.phase = phaseAwaitingMeta
			return s, obs, command{kind: cmdFetchMeta}
		}
		s.phase = phaseCompleted
		obs = append(obs, observation{kind: obsDone})
		return s, obs, command{kind: cmdFinish}
	}

	// an event the current phase does not expect is a native protocol violation
	obs = append(obs, observation{kind: obsError, err: &NativeError{Message: "unexpected native event in phase " + s.phase.String()}})
	s.phase = phaseError
	return s, obs, command{kind: cmdFinish}
}

// appendChunk accumulates streamed pieces of one column value.
func appendChunk(acc, data any, continuing bool) any {
	if !continuing {
		if b, ok := data.([]byte); ok { return append([]byte(nil), b...) }
		return data
	}
	switch a := acc.(type) {
	case []byte:
		switch d := data.(type) {
		case []byte:
			return append(a, d...)
		case string:
			return append(a, d...)
		}
	case string:
		switch d := data.(type) {
		case string:
			return a + d
		case []byte:
			return a + string(d)
		}
	}
	return data
}
