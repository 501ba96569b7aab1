package syncer

// checkpointTracker computes the highest UID that is safe to persist for a
// folder. UIDs must be reported in ascending order. After the first failure
// the safe value stays below the failed UID for the rest of the folder run,
// so the failed message and everything after it are listed again next time.
type checkpointTracker struct {
	safe   uint32
	frozen bool
}

func (c *checkpointTracker) succeed(uid uint32) {
	if c.frozen {
		return
	}
	if uid > c.safe {
		c.safe = uid
	}
}

func (c *checkpointTracker) fail(uid uint32) {
	if c.frozen {
		return
	}
	c.frozen = true
	if uid > 0 && c.safe >= uid {
		c.safe = uid - 1
	}
}
