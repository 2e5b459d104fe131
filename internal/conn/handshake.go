package conn

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/geldata/gel-go/internal/protocol"
)

// handshake runs spec.md §4.2's connect sequence: send ClientHandshake,
// then loop reading ServerHandshake/Authentication/ServerKeyData/
// ParameterStatus until ReadyForCommand, running a SCRAM conversation
// in-line when the server challenges for it. Grounded on
// other_examples/...connect.go.go's literal message sequence and status
// codes, generalized from that file's fixed 0.8 version to the
// negotiated-range handshake spec.md §4.2 describes.
func (c *Conn) handshake(ctx context.Context, opts Options) error {
	params := map[string]string{"user": opts.User}
	if opts.Branch != "" {
		params["branch"] = opts.Branch
	} else {
		params["database"] = opts.Database
	}

	e := protocol.NewEncoder(nil)
	e.Begin(protocol.TagClientHandshake)
	(&protocol.ClientHandshake{
		Major:  protocol.ProtocolVersionMax.Major,
		Minor:  protocol.ProtocolVersionMax.Minor,
		Params: params,
	}).Encode(e)
	e.End()
	if err := c.writeFrame(protocol.TagClientHandshake, e); err != nil {
		return err
	}

	for {
		msg, err := c.readMessage(false)
		if err != nil {
			return err
		}
		d := protocol.NewDecoder(msg.Payload)

		switch msg.Tag {
		case protocol.TagServerHandshake:
			major := d.Uint16()
			minor := d.Uint16()
			c.version = protocol.ProtocolVersion{Major: major, Minor: minor}
			if c.version.Compare(protocol.ProtocolVersionMin) < 0 || c.version.Compare(protocol.ProtocolVersionMax) > 0 {
				return protocol.NewErrorf(protocol.CodeUnsupportedProtocolVersion,
					"server proposed unsupported protocol version %d.%d", major, minor)
			}
			c.logger.Debug("server handshake", slog.Int("major", int(major)), slog.Int("minor", int(minor)))

		case protocol.TagAuthentication:
			status := d.Uint32()
			switch status {
			case protocol.AuthStatusOK:
				// Trust auth or a completed SCRAM conversation.
			default:
				methodCount := d.Uint32()
				methods := make([]string, methodCount)
				for i := range methods {
					methods[i] = d.String()
				}
				if err := d.Err(); err != nil {
					return err
				}
				if err := c.authenticateSCRAM(ctx, opts, methods); err != nil {
					return err
				}
			}

		case protocol.TagServerKeyData:
			copy(c.serverKeyData[:], d.Bytes(32))

		case protocol.TagParameterStatus:
			d.String() // name
			d.LenBytes() // value; unused by this client today

		case protocol.TagReadyForCommand:
			rfc, err := protocol.DecodeReadyForCommand(d)
			if err != nil {
				return err
			}
			c.txState = rfc.TxState
			return nil

		case protocol.TagErrorResponse:
			respErr, err := protocol.DecodeErrorResponse(d)
			if err != nil {
				return err
			}
			return respErr

		default:
			return fmt.Errorf("%w: unexpected message 0x%02x during handshake", protocol.ErrUnknownTag, msg.Tag)
		}
		if err := d.Err(); err != nil {
			return err
		}
	}
}

// authenticateSCRAM drives the two-round SASL exchange: the client sends
// AuthenticationSASLInitialResponse carrying the chosen method and
// client-first-message, the server challenges with AuthStatusSASLContinue
// carrying its server-first-message, the client replies with
// AuthenticationSASLResponse carrying the client-final-message, and the
// server confirms with AuthStatusSASLFinal carrying its server-final
// message (spec.md §4.2).
func (c *Conn) authenticateSCRAM(ctx context.Context, opts Options, methods []string) error {
	supported := false
	for _, m := range methods {
		if m == protocol.AuthMethodSCRAMSHA256 {
			supported = true
		}
	}
	if !supported {
		return protocol.NewErrorf(protocol.CodeAuthenticationError, "server does not support %s", protocol.AuthMethodSCRAMSHA256)
	}

	scram, err := protocol.NewSCRAMSHA256(opts.User, opts.Password)
	if err != nil {
		return err
	}

	e := protocol.NewEncoder(nil)
	e.Begin(protocol.TagAuthenticationSASLInit)
	e.String(protocol.AuthMethodSCRAMSHA256)
	e.String(scram.ClientFirst())
	e.End()
	if err := c.writeFrame(protocol.TagAuthenticationSASLInit, e); err != nil {
		return err
	}

	msg, err := c.readMessage(false)
	if err != nil {
		return err
	}
	d := protocol.NewDecoder(msg.Payload)
	switch msg.Tag {
	case protocol.TagAuthentication:
		status := d.Uint32()
		if status != protocol.AuthStatusSASLContinue {
			return protocol.NewErrorf(protocol.CodeAuthenticationError, "unexpected auth status 0x%x during SCRAM", status)
		}
		serverFirst := d.String()
		if err := d.Err(); err != nil {
			return err
		}
		clientFinal, err := scram.ServerFirst(serverFirst)
		if err != nil {
			return err
		}

		e.Reset()
		e.Begin(protocol.TagAuthenticationSASLResp)
		e.String(clientFinal)
		e.End()
		if err := c.writeFrame(protocol.TagAuthenticationSASLResp, e); err != nil {
			return err
		}
	case protocol.TagErrorResponse:
		respErr, derr := protocol.DecodeErrorResponse(d)
		if derr != nil {
			return derr
		}
		return respErr
	default:
		return fmt.Errorf("%w: unexpected message 0x%02x during SCRAM", protocol.ErrUnknownTag, msg.Tag)
	}

	msg, err = c.readMessage(false)
	if err != nil {
		return err
	}
	d = protocol.NewDecoder(msg.Payload)
	switch msg.Tag {
	case protocol.TagAuthentication:
		status := d.Uint32()
		switch status {
		case protocol.AuthStatusSASLFinal:
			serverFinal := d.String()
			if err := d.Err(); err != nil {
				return err
			}
			return scram.ServerFinal(serverFinal)
		case protocol.AuthStatusOK:
			return nil
		default:
			return protocol.NewErrorf(protocol.CodeAuthenticationError, "unexpected auth status 0x%x concluding SCRAM", status)
		}
	case protocol.TagErrorResponse:
		respErr, derr := protocol.DecodeErrorResponse(d)
		if derr != nil {
			return derr
		}
		return respErr
	default:
		return fmt.Errorf("%w: unexpected message 0x%02x concluding SCRAM", protocol.ErrUnknownTag, msg.Tag)
	}
}

func (c *Conn) writeFrame(tag byte, e *protocol.Encoder) error {
	if _, err := c.netConn.Write(e.Bytes()); err != nil {
		return c.fail(protocol.NewErrorf(protocol.CodeClientConnectionClosedError, "writing message 0x%02x: %v", tag, err).WithSource(err))
	}
	return nil
}

func (c *Conn) readMessage(dataPhase bool) (protocol.Message, error) {
	msg, err := c.reader.ReadMessage(func(tag byte) bool {
		return dataPhase && (tag == protocol.TagData || tag == protocol.TagCommandDataDescription || tag == protocol.TagStateDataDescription)
	})
	if err != nil {
		return protocol.Message{}, c.fail(protocol.NewErrorf(protocol.CodeClientConnectionClosedError, "reading message: %v", err).WithSource(err))
	}
	return msg, nil
}
