package ncp

// applyAll grants additional ALL credit on the send half (spec.md §4.3.3).
func (c *Connection) applyAll(msgs int32, bits int64) {
	c.AllMsgs += msgs
	c.AllBits += bits
}

// applyRet returns credit previously given out via ALL; used when the peer
// sends a RET.
func (c *Connection) applyRet(msgs int32, bits int64) {
	c.AllMsgs += msgs
	c.AllBits += bits
}

// canSend reports whether n octets at the connection's send byte size can
// be transmitted without the ALL counters going negative.
func (c *Connection) canSend(n int) bool {
	if c.AllMsgs < 1 {
		return false
	}
	bs := int64(c.Snd.Size)
	if bs == 0 {
		bs = 8
	}
	need := int64(n) * bs
	return c.AllBits >= need
}

// consumeAll deducts the credit used by sending n octets: exactly one
// message and n*byteSize bits, per spec.md §4.3.3.
func (c *Connection) consumeAll(n int) {
	bs := int64(c.Snd.Size)
	if bs == 0 {
		bs = 8
	}
	c.AllMsgs--
	c.AllBits -= int64(n) * bs
	if c.AllMsgs < 0 {
		c.AllMsgs = 0
	}
	if c.AllBits < 0 {
		c.AllBits = 0
	}
}

// maxSendable returns the largest chunk (in octets) of the pending output
// buffer that current ALL credit allows sending.
func (c *Connection) maxSendable() int {
	if c.AllMsgs < 1 {
		return 0
	}
	bs := int64(c.Snd.Size)
	if bs == 0 {
		bs = 8
	}
	n := c.AllBits / bs
	if n < 0 {
		n = 0
	}
	remaining := c.OutTotal - c.OutSent
	if int64(remaining) < n {
		return remaining
	}
	return int(n)
}
