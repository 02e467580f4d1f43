package mailbox

import (
	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
)

type flagStore struct {
	uid  imap.UID
	op   imap.StoreFlagsOp
	flag imap.Flag
}

// fakeClient scripts IMAP responses for session and pipeline tests.
type fakeClient struct {
	noopErr    error
	loginErr   error
	selectErr  error
	searchErr  error
	fetchErr   map[imap.UID]error
	copyErr    error
	createErr  error
	storeErr   error
	expungeErr error
	logoutErr  error

	searchUIDs []imap.UID
	bodies     map[imap.UID][]byte

	noopCalls   int
	loginCalls  int
	selectCalls int
	logoutCalls int
	closeCalls  int

	fetched  []imap.UID
	stores   []flagStore
	created  []string
	copies   []string
	expunged []imap.UID
}

func firstUID(numSet imap.NumSet) imap.UID {
	if set, ok := numSet.(imap.UIDSet); ok && len(set) > 0 {
		return set[0].Start
	}
	return 0
}

func (c *fakeClient) Login(_, _ string) commandWaiter {
	c.loginCalls++
	return fakeCommand{err: c.loginErr}
}

func (c *fakeClient) Logout() commandWaiter {
	c.logoutCalls++
	return fakeCommand{err: c.logoutErr}
}

func (c *fakeClient) Close() error {
	c.closeCalls++
	return nil
}

func (c *fakeClient) Noop() commandWaiter {
	c.noopCalls++
	return fakeCommand{err: c.noopErr}
}

func (c *fakeClient) Select(_ string, _ *imap.SelectOptions) selectWaiter {
	c.selectCalls++
	return fakeSelect{err: c.selectErr}
}

func (c *fakeClient) UIDSearch(_ *imap.SearchCriteria, _ *imap.SearchOptions) searchWaiter {
	return fakeSearch{err: c.searchErr, data: &imap.SearchData{All: imap.UIDSetNum(c.searchUIDs...)}}
}

func (c *fakeClient) Fetch(numSet imap.NumSet, _ *imap.FetchOptions) fetchWaiter {
	uid := firstUID(numSet)
	c.fetched = append(c.fetched, uid)
	if err := c.fetchErr[uid]; err != nil {
		return fakeFetch{err: err}
	}
	body := c.bodies[uid]
	if body == nil {
		return fakeFetch{}
	}
	return fakeFetch{bufs: []*imapclient.FetchMessageBuffer{{
		UID: uid,
		BodySection: []imapclient.FetchBodySectionBuffer{{
			Section: &imap.FetchItemBodySection{},
			Bytes:   append([]byte(nil), body...),
		}},
	}}}
}

func (c *fakeClient) Store(numSet imap.NumSet, store *imap.StoreFlags, _ *imap.StoreOptions) fetchWaiter {
	if store != nil && len(store.Flags) > 0 {
		c.stores = append(c.stores, flagStore{uid: firstUID(numSet), op: store.Op, flag: store.Flags[0]})
	}
	return fakeFetch{err: c.storeErr}
}

func (c *fakeClient) Create(mailbox string, _ *imap.CreateOptions) commandWaiter {
	c.created = append(c.created, mailbox)
	return fakeCommand{err: c.createErr}
}

func (c *fakeClient) Copy(numSet imap.NumSet, mailbox string) copyWaiter {
	c.copies = append(c.copies, mailbox)
	if c.copyErr != nil {
		return fakeCopy{err: c.copyErr}
	}
	_ = firstUID(numSet)
	return fakeCopy{data: &imap.CopyData{}}
}

func (c *fakeClient) UIDExpunge(uids imap.UIDSet) expungeWaiter {
	if len(uids) > 0 {
		c.expunged = append(c.expunged, uids[0].Start)
	}
	return fakeExpunge{err: c.expungeErr}
}

type fakeCommand struct{ err error }

func (c fakeCommand) Wait() error { return c.err }

type fakeSelect struct{ err error }

func (s fakeSelect) Wait() (*imap.SelectData, error) { return &imap.SelectData{}, s.err }

type fakeSearch struct {
	err  error
	data *imap.SearchData
}

func (s fakeSearch) Wait() (*imap.SearchData, error) { return s.data, s.err }

type fakeFetch struct {
	err  error
	bufs []*imapclient.FetchMessageBuffer
}

func (f fakeFetch) Collect() ([]*imapclient.FetchMessageBuffer, error) { return f.bufs, f.err }
func (f fakeFetch) Close() error                                       { return f.err }

type fakeCopy struct {
	err  error
	data *imap.CopyData
}

func (c fakeCopy) Wait() (*imap.CopyData, error) { return c.data, c.err }

type fakeExpunge struct{ err error }

func (e fakeExpunge) Close() error { return e.err }
