package engine

import (
	"context"

	"objectdb/src/helpers"
)

const maxCommitRetries = 5

// TransactionalSession is a driver session running one transaction. It is
// created by CreateTransactionalSession and must be committed or aborted
// exactly once.
type TransactionalSession struct {
	ID      string
	session Session
}

// bind returns ctx scoped to the session. A nil session leaves ctx as is.
func (t *TransactionalSession) bind(ctx context.Context) context.Context {
	if t == nil || t.session == nil {
		return ctx
	}
	return t.session.Bind(ctx)
}

// CreateTransactionalSession opens a session and starts a transaction in it.
func (a *MongoStorageAdapter) CreateTransactionalSession(ctx context.Context) (*TransactionalSession, error) {
	conn, err := a.Connect(ctx)
	if err != nil {
		return nil, a.HandleError(err)
	}
	session, err := conn.Client.StartSession()
	if err != nil {
		return nil, a.HandleError(err)
	}
	if err := session.StartTransaction(); err != nil {
		session.EndSession(ctx)
		return nil, a.HandleError(err)
	}
	return &TransactionalSession{ID: helpers.GenerateUUID(), session: session}, nil
}

// CommitTransactionalSession commits the transaction. Commits failing with a
// transient transaction error are retried up to five times. The session is
// ended once, whatever the outcome.
func (a *MongoStorageAdapter) CommitTransactionalSession(ctx context.Context, ts *TransactionalSession) error {
	if ts == nil || ts.session == nil {
		return ErrNoTransactionalSession
	}
	defer ts.session.EndSession(ctx)

	err := ts.session.CommitTransaction(ctx)
	for retries := 0; err != nil && isTransientTransactionError(err) && retries < maxCommitRetries; retries++ {
		a.logger.Debugf("Retrying commit of session %s after transient error: %v", ts.ID, err)
		err = ts.session.CommitTransaction(ctx)
	}
	if err != nil {
		return a.HandleError(err)
	}
	return nil
}

// AbortTransactionalSession aborts the transaction and ends the session.
func (a *MongoStorageAdapter) AbortTransactionalSession(ctx context.Context, ts *TransactionalSession) error {
	if ts == nil || ts.session == nil {
		return ErrNoTransactionalSession
	}
	defer ts.session.EndSession(ctx)
	if err := ts.session.AbortTransaction(ctx); err != nil {
		return a.HandleError(err)
	}
	return nil
}
