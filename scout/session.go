package scout

// SwiftSession is an application session bound to a scout. Sessions are
// the unit of read-your-writes and monotonic-reads guarantees.
type SwiftSession struct {
	scout     *Scout
	sessionId string
}

func (self *SwiftSession) SessionId() string {
	return self.sessionId
}

func (self *SwiftSession) Scout() *Scout {
	return self.scout
}

// BeginTxn starts a transaction. Only SnapshotIsolation and
// RepeatableReads are supported; other isolation levels fail with
// ErrUnsupported.
func (self *SwiftSession) BeginTxn(isolation IsolationLevel, cachePolicy CachePolicy, readOnly bool) (*Txn, error) {
	return self.scout.beginTxn(self.sessionId, isolation, cachePolicy, readOnly)
}
