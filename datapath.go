package cryptosocket

// DataPath operations become available once Handshake has returned
// Done. All four calls fail fast with ErrHandshakeIncomplete outside
// that state, matching TlsCryptoSocket's precondition checks on
// getHandshakeState() before touching application data.

// Read first decrypts whatever ciphertext is already buffered into dst;
// only if that yields nothing does it pull one non-blocking socket
// read's worth of ciphertext and decrypt again. It returns the cleartext
// byte count. A return of (0, nil) means no complete record could be
// decrypted: the socket had nothing to offer, only part of a record has
// arrived so far, or dst is smaller than the next record (see
// MinReadBuffer). It does not mean the connection stalled.
func (cs *CryptoSocket) Read(dst []byte) (int, error) {
	if cs.state != stateCompleted {
		return 0, ErrHandshakeIncomplete
	}
	if n, err := cs.drain(dst); n > 0 || err != nil {
		return n, err
	}
	if _, err := cs.fillUnwrapBuf(); err != nil {
		return 0, err
	}
	return cs.drain(dst)
}

// Drain decrypts what is already buffered, without touching the socket.
// Used right after InjectReadData, or to pull additional records out of
// a buffer that a single socket read happened to fill with more than
// one. It keeps unwrapping into dst until a call produces zero bytes,
// so several staged records surface in one call.
func (cs *CryptoSocket) Drain(dst []byte) (int, error) {
	if cs.state != stateCompleted {
		return 0, ErrHandshakeIncomplete
	}
	return cs.drain(dst)
}

func (cs *CryptoSocket) drain(dst []byte) (int, error) {
	total := 0
	for total < len(dst) && cs.unwrapBuf.Bytes() > 0 {
		result, err := cs.engine.Unwrap(cs.unwrapBuf.Readable(), dst[total:])
		if err != nil {
			return total, wrapErr(ErrDataPathFailed, cs.id, opUnwrap, err)
		}
		cs.unwrapBuf.AdvanceRead(result.BytesConsumed)
		cs.log.event("unwrap", result.Status.String())
		if result.Status == StatusClosed {
			return total + result.BytesProduced, ErrClosedChannel
		}
		total += result.BytesProduced
		if result.BytesProduced == 0 {
			break
		}
	}
	return total, nil
}

// Write encrypts src into the outbound buffer, packing as many records
// as fit below one packet buffer's worth of staged ciphertext, then
// makes a best-effort non-blocking attempt to flush it. It returns how
// much of src the engine consumed in total. Call Flush afterward to
// confirm the records fully left the socket.
func (cs *CryptoSocket) Write(src []byte) (int, error) {
	if cs.state != stateCompleted {
		return 0, ErrHandshakeIncomplete
	}
	if cs.wrapBuf.Bytes() > 0 {
		drained, err := cs.flushWrapBuf()
		if err != nil {
			return 0, err
		}
		if !drained {
			return 0, nil
		}
	}

	packetSize := cs.packetBufferSize()
	consumed := 0
	for consumed < len(src) && cs.wrapBuf.Bytes() < packetSize {
		dst := cs.wrapBuf.Writable(packetSize)
		result, err := cs.engine.Wrap(src[consumed:], dst)
		if err != nil {
			return consumed, wrapErr(ErrDataPathFailed, cs.id, opWrap, err)
		}
		cs.wrapBuf.AdvanceWrite(result.BytesProduced)
		cs.log.event("wrap", result.Status.String())
		if result.Status == StatusClosed {
			return consumed + result.BytesConsumed, ErrClosedChannel
		}
		if result.BytesConsumed == 0 {
			break
		}
		consumed += result.BytesConsumed
	}

	if _, err := cs.flushWrapBuf(); err != nil {
		return consumed, err
	}
	return consumed, nil
}

// Flush drives any bytes still staged in the outbound buffer toward the
// socket, reporting whether the buffer is now empty.
func (cs *CryptoSocket) Flush() (FlushResult, error) {
	if cs.state != stateCompleted {
		return FlushDone, ErrHandshakeIncomplete
	}
	drained, err := cs.flushWrapBuf()
	if err != nil {
		return FlushNeedWrite, err
	}
	if drained {
		return FlushDone, nil
	}
	return FlushNeedWrite, nil
}
