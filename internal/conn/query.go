package conn

import (
	"context"
	"fmt"

	"github.com/geldata/gel-go/internal/protocol"
)

// QueryOptions configures one Prepare+Execute request cycle (spec.md
// §4.2).
type QueryOptions struct {
	OutputFormat        protocol.IOFormat
	ExpectedCardinality protocol.Cardinality
	InputLanguage       protocol.InputLanguage
	AllowedCapabilities protocol.Capabilities
	CompilationFlags    protocol.CompilationFlags
	ImplicitLimit       uint64
}

// Result is one Execute's outcome: decoded rows, the CommandComplete
// status, and the result cardinality the server reported at Parse. The
// final tx state is kept on the Conn (see TxState), not in Result.
type Result struct {
	Rows        []any
	Status      string
	Cardinality protocol.Cardinality
}

// Query runs prepare+execute+sync against text with args encoded against
// the compiled input shape, retrying once on StateMismatch (refresh and
// resend state) or ParameterTypeMismatch (flush the cache entry and
// recompile), per spec.md §4.2(iii) and §9.
func (c *Conn) Query(ctx context.Context, text string, args any, state *protocol.PoolState, opts QueryOptions) (*Result, error) {
	if c.phase == PhaseError || c.phase == PhaseClosed {
		return nil, protocol.NewError(protocol.CodeClientConnectionClosedError, "connection is not usable")
	}

	stmt, fromCache, err := c.prepare(ctx, text, opts)
	if err != nil {
		return nil, err
	}

	result, err := c.execute(ctx, text, stmt, args, state, opts)
	if err == nil {
		return result, nil
	}

	var protoErr *protocol.Error
	if !isProtoError(err, &protoErr) {
		return nil, err
	}

	switch {
	case protoErr.Code == protocol.CodeStateMismatch:
		c.reportRetry("state_mismatch")
		return c.execute(ctx, text, stmt, args, state, opts)
	case protoErr.Code == protocol.CodeParameterTypeMismatchError && fromCache:
		c.reportRetry("parameter_type_mismatch")
		delete(c.cache, text)
		stmt, _, err = c.prepare(ctx, text, opts)
		if err != nil {
			return nil, err
		}
		return c.execute(ctx, text, stmt, args, state, opts)
	default:
		return nil, err
	}
}

func (c *Conn) reportRetry(reason string) {
	if c.onRetry != nil {
		c.onRetry(reason)
	}
}

func isProtoError(err error, target **protocol.Error) bool {
	pe, ok := err.(*protocol.Error)
	if !ok {
		return false
	}
	*target = pe
	return true
}

func (c *Conn) prepare(ctx context.Context, text string, opts QueryOptions) (*preparedStatement, bool, error) {
	if stmt, ok := c.cache[text]; ok {
		return stmt, true, nil
	}

	e := protocol.NewEncoder(nil)
	e.Begin(protocol.TagParse)
	(&protocol.ParseRequest{
		AllowedCapabilities: opts.AllowedCapabilities,
		CompilationFlags:    opts.CompilationFlags,
		ImplicitLimit:       opts.ImplicitLimit,
		OutputFormat:        opts.OutputFormat,
		ExpectedCardinality: opts.ExpectedCardinality,
		InputLanguage:       opts.InputLanguage,
		StateTypeID:         c.stateTypeID,
		CommandText:         text,
	}).Encode(e)
	e.End()
	if err := c.writeFrame(protocol.TagParse, e); err != nil {
		return nil, false, err
	}
	if err := c.sync(); err != nil {
		return nil, false, err
	}

	var desc *protocol.CommandDataDescription
	for {
		msg, err := c.readMessage(true)
		if err != nil {
			return nil, false, err
		}
		d := protocol.NewDecoder(msg.Payload)
		switch msg.Tag {
		case protocol.TagCommandDataDescription:
			desc, err = protocol.DecodeCommandDataDescription(d)
			if err != nil {
				return nil, false, err
			}
		case protocol.TagStateDataDescription:
			sdd, err := protocol.DecodeStateDataDescription(d)
			if err != nil {
				return nil, false, err
			}
			c.stateTypeID = sdd.TypeID
			set, err := protocol.ParseDescriptorSet(sdd.Descriptor, true)
			if err != nil {
				return nil, false, err
			}
			c.stateSet = set
		case protocol.TagReadyForCommand:
			rfc, err := protocol.DecodeReadyForCommand(d)
			if err != nil {
				return nil, false, err
			}
			c.txState = rfc.TxState
			if desc == nil {
				return nil, false, fmt.Errorf("%w: Parse completed with no CommandDataDescription", protocol.ErrProtocolFraming)
			}
			stmt, err := c.buildPreparedStatement(desc)
			if err != nil {
				return nil, false, err
			}
			c.cache[text] = stmt
			return stmt, false, nil
		case protocol.TagErrorResponse:
			respErr, err := protocol.DecodeErrorResponse(d)
			if err != nil {
				return nil, false, err
			}
			c.drainUntilReady()
			return nil, false, respErr
		default:
			return nil, false, fmt.Errorf("%w: unexpected message 0x%02x during Parse", protocol.ErrUnknownTag, msg.Tag)
		}
	}
}

func (c *Conn) buildPreparedStatement(desc *protocol.CommandDataDescription) (*preparedStatement, error) {
	stmt := &preparedStatement{
		inputTypeID:  desc.InputTypeID,
		outputTypeID: desc.OutputTypeID,
		capabilities: desc.Capabilities,
		cardinality:  desc.ResultCardinality,
	}
	if desc.InputTypeID != protocol.VoidTypeID {
		set, err := protocol.ParseDescriptorSet(desc.InputTypeDescriptor, true)
		if err != nil {
			return nil, err
		}
		stmt.inputSet = set
	}
	if desc.OutputTypeID != protocol.VoidTypeID {
		set, err := protocol.ParseDescriptorSet(desc.OutputTypeDescriptor, true)
		if err != nil {
			return nil, err
		}
		stmt.outputSet = set
	}
	return stmt, nil
}

func (c *Conn) execute(ctx context.Context, text string, stmt *preparedStatement, args any, state *protocol.PoolState, opts QueryOptions) (*Result, error) {
	var argBytes []byte
	if stmt.inputSet != nil {
		if _, err := stmt.inputSet.Root(); err != nil {
			return nil, err
		}
		plan, err := protocol.BuildPlan(stmt.inputSet, len(stmt.inputSet.Entries)-1, c.version)
		if err != nil {
			return nil, err
		}
		argBytes, err = protocol.EncodeArgs(plan, args)
		if err != nil {
			return nil, err
		}
	}

	var stateTypeID [16]byte
	var stateBytes []byte
	if c.stateSet != nil {
		var err error
		stateTypeID, stateBytes, err = protocol.EncodeState(c.stateSet, c.stateTypeID, state)
		if err != nil {
			return nil, err
		}
	}

	e := protocol.NewEncoder(nil)
	e.Begin(protocol.TagExecute)
	(&protocol.ExecuteRequest{
		AllowedCapabilities: opts.AllowedCapabilities,
		CompilationFlags:    opts.CompilationFlags,
		ImplicitLimit:       opts.ImplicitLimit,
		OutputFormat:        opts.OutputFormat,
		ExpectedCardinality: opts.ExpectedCardinality,
		InputLanguage:       opts.InputLanguage,
		CommandText:         text,
		StateTypeID:         stateTypeID,
		StateData:           stateBytes,
		InputTypeID:         stmt.inputTypeID,
		OutputTypeID:        stmt.outputTypeID,
		Arguments:           argBytes,
	}).Encode(e)
	e.End()
	if err := c.writeFrame(protocol.TagExecute, e); err != nil {
		return nil, err
	}
	if err := c.sync(); err != nil {
		return nil, err
	}

	var outPlan *protocol.Plan
	if stmt.outputSet != nil {
		if _, err := stmt.outputSet.Root(); err != nil {
			return nil, err
		}
		var err error
		outPlan, err = protocol.BuildPlan(stmt.outputSet, len(stmt.outputSet.Entries)-1, c.version)
		if err != nil {
			return nil, err
		}
	}

	result := &Result{Cardinality: stmt.cardinality}
	for {
		msg, err := c.readMessage(true)
		if err != nil {
			return nil, err
		}
		d := protocol.NewDecoder(msg.Payload)
		switch msg.Tag {
		case protocol.TagData:
			data, err := protocol.DecodeData(d)
			if err != nil {
				return nil, err
			}
			for _, elem := range data.Elements {
				v, err := protocol.DecodeRow(outPlan, elem)
				if err != nil {
					return nil, err
				}
				result.Rows = append(result.Rows, v)
			}
		case protocol.TagCommandComplete:
			cc, err := protocol.DecodeCommandComplete(d)
			if err != nil {
				return nil, err
			}
			result.Status = cc.Status
		case protocol.TagStateDataDescription:
			sdd, err := protocol.DecodeStateDataDescription(d)
			if err != nil {
				return nil, err
			}
			c.stateTypeID = sdd.TypeID
			set, err := protocol.ParseDescriptorSet(sdd.Descriptor, true)
			if err != nil {
				return nil, err
			}
			c.stateSet = set
		case protocol.TagReadyForCommand:
			rfc, err := protocol.DecodeReadyForCommand(d)
			if err != nil {
				return nil, err
			}
			c.txState = rfc.TxState
			return result, nil
		case protocol.TagErrorResponse:
			respErr, err := protocol.DecodeErrorResponse(d)
			if err != nil {
				return nil, err
			}
			c.drainUntilReady()
			return nil, respErr
		default:
			return nil, fmt.Errorf("%w: unexpected message 0x%02x during Execute", protocol.ErrUnknownTag, msg.Tag)
		}
	}
}

func (c *Conn) sync() error {
	e := protocol.NewEncoder(nil)
	e.Begin(protocol.TagSync)
	e.End()
	return c.writeFrame(protocol.TagSync, e)
}

// drainUntilReady reads and discards messages until ReadyForCommand,
// which the server always sends to close out a request cycle even after
// an ErrorResponse (spec.md §4.2).
func (c *Conn) drainUntilReady() {
	for {
		msg, err := c.readMessage(true)
		if err != nil {
			return
		}
		if msg.Tag == protocol.TagReadyForCommand {
			d := protocol.NewDecoder(msg.Payload)
			if rfc, err := protocol.DecodeReadyForCommand(d); err == nil {
				c.txState = rfc.TxState
			}
			return
		}
	}
}
