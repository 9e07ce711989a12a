package dataserver

import (
	"os"
	"path/filepath"
	"time"

	"github.com/pious-project/pious/internal/pfile"
	"github.com/pious-project/pious/pkg/piouserr"
	"github.com/pious-project/pious/pkg/wire"
)

// resultKey identifies one control operation's reply for the
// recent-result validity window (SUPPLEMENTED FEATURES #2): a client
// that retransmits the same cmsgid within the window gets the cached
// outcome instead of re-running a side effect that would otherwise
// answer differently the second time (e.g. MKDIR on an already-created
// directory returning EEXIST).
type resultKey struct {
	clientID string
	cmsgID   uint64
}

type cachedResult struct {
	env      wire.Envelope
	storedAt time.Time
}

// controlReply returns the cached reply for key if it is still inside
// the recent-result window, else runs compute, caches, and returns the
// fresh result.
func (s *Server) controlReply(clientID string, cmsgID uint64, now time.Time, compute func() wire.Envelope) wire.Envelope {
	key := resultKey{clientID: clientID, cmsgID: cmsgID}
	if cached, ok := s.results[key]; ok && now.Sub(cached.storedAt) < s.cfg.RecentResultWindow {
		return cached.env
	}
	env := compute()
	s.results[key] = cachedResult{env: env, storedAt: now}
	return env
}

// prune drops recent-result entries that have aged out of the window,
// so s.results doesn't grow without bound over a long-lived server.
func (s *Server) prune(now time.Time) {
	for k, v := range s.results {
		if now.Sub(v.storedAt) >= s.cfg.RecentResultWindow {
			delete(s.results, k)
		}
	}
}

func (s *Server) path(p string) string {
	return filepath.Join(s.root, p)
}

func (s *Server) handleLookup(req request) {
	body, err := wire.UnmarshalLookupRequest(req.env.Body)
	if err != nil {
		req.reply <- replyErr(wire.OpLookup, piouserr.EPROTO)
		return
	}
	now := time.Now()
	req.reply <- s.controlReply(req.clientID, body.CMsgID, now, func() wire.Envelope {
		h, _, err := s.files.Lookup(s.path(body.Path), body.Creat, os.FileMode(body.Mode), os.FileMode(body.Cmask))
		if err != nil {
			return wire.Envelope{Op: wire.OpLookup, Body: wire.LookupReply{Code: piouserr.CodeOf(err)}.MarshalBinary()}
		}
		info, err := s.files.Stat(h)
		if err != nil {
			return wire.Envelope{Op: wire.OpLookup, Body: wire.LookupReply{Code: piouserr.CodeOf(err)}.MarshalBinary()}
		}
		return wire.Envelope{Op: wire.OpLookup, Body: wire.LookupReply{
			Code:   piouserr.OK,
			Handle: h,
			Mode:   uint32(info.Mode().Perm()),
			Size:   info.Size(),
		}.MarshalBinary()}
	})
}

func (s *Server) handleMkdir(req request) {
	body, err := wire.UnmarshalPathRequest(req.env.Body)
	if err != nil {
		req.reply <- replyErr(wire.OpMkdir, piouserr.EPROTO)
		return
	}
	now := time.Now()
	req.reply <- s.controlReply(req.clientID, body.CMsgID, now, func() wire.Envelope {
		err := pfile.MkdirMode(s.path(body.Path), os.FileMode(body.Mode), os.FileMode(body.Cmask))
		return wire.Envelope{Op: wire.OpMkdir, Body: wire.SimpleReply{Code: piouserr.CodeOf(err)}.MarshalBinary()}
	})
}

func (s *Server) handleRmdir(req request) {
	body, err := wire.UnmarshalPathRequest(req.env.Body)
	if err != nil {
		req.reply <- replyErr(wire.OpRmdir, piouserr.EPROTO)
		return
	}
	now := time.Now()
	req.reply <- s.controlReply(req.clientID, body.CMsgID, now, func() wire.Envelope {
		err := pfile.Rmdir(s.path(body.Path))
		return wire.Envelope{Op: wire.OpRmdir, Body: wire.SimpleReply{Code: piouserr.CodeOf(err)}.MarshalBinary()}
	})
}

func (s *Server) handleUnlink(req request) {
	body, err := wire.UnmarshalHandleRequest(req.env.Body)
	if err != nil {
		req.reply <- replyErr(wire.OpUnlink, piouserr.EPROTO)
		return
	}
	now := time.Now()
	req.reply <- s.controlReply(req.clientID, body.CMsgID, now, func() wire.Envelope {
		s.blocks.Forget(body.Handle)
		s.lockMgr.Forget(body.Handle)
		err := s.files.Unlink(body.Handle)
		return wire.Envelope{Op: wire.OpUnlink, Body: wire.SimpleReply{Code: piouserr.CodeOf(err)}.MarshalBinary()}
	})
}

func (s *Server) handleChmod(req request) {
	body, err := wire.UnmarshalHandleRequest(req.env.Body)
	if err != nil {
		req.reply <- replyErr(wire.OpChmod, piouserr.EPROTO)
		return
	}
	now := time.Now()
	req.reply <- s.controlReply(req.clientID, body.CMsgID, now, func() wire.Envelope {
		err := s.files.Chmod(body.Handle, os.FileMode(body.Mode))
		return wire.Envelope{Op: wire.OpChmod, Body: wire.SimpleReply{Code: piouserr.CodeOf(err)}.MarshalBinary()}
	})
}

func (s *Server) handleStat(req request) {
	body, err := wire.UnmarshalHandleRequest(req.env.Body)
	if err != nil {
		req.reply <- replyErr(wire.OpStat, piouserr.EPROTO)
		return
	}
	req.reply <- func() wire.Envelope {
		info, err := s.files.Stat(body.Handle)
		if err != nil {
			return wire.Envelope{Op: wire.OpStat, Body: wire.StatReply{Code: piouserr.CodeOf(err)}.MarshalBinary()}
		}
		return wire.Envelope{Op: wire.OpStat, Body: wire.StatReply{
			Code:    piouserr.OK,
			Mode:    uint32(info.Mode().Perm()),
			Size:    info.Size(),
			ModTime: info.ModTime().UnixNano(),
		}.MarshalBinary()}
	}()
}

func (s *Server) handlePing(req request) {
	body, err := wire.UnmarshalCMsgRequest(req.env.Body)
	if err != nil {
		req.reply <- replyErr(wire.OpPing, piouserr.EPROTO)
		return
	}
	_ = body
	req.reply <- wire.Envelope{Op: wire.OpPing, Body: wire.SimpleReply{Code: piouserr.OK}.MarshalBinary()}
}

// handleReset clears the recent-result cache (the server's notion of
// "most recent operation" used to discard stale retransmits), without
// touching locks or the transaction table, per SUPPLEMENTED FEATURES #1.
func (s *Server) handleReset(req request) {
	body, err := wire.UnmarshalCMsgRequest(req.env.Body)
	if err != nil {
		req.reply <- replyErr(wire.OpReset, piouserr.EPROTO)
		return
	}
	for k := range s.results {
		if k.clientID == req.clientID {
			delete(s.results, k)
		}
	}
	_ = body
	req.reply <- wire.Envelope{Op: wire.OpReset, Body: wire.SimpleReply{Code: piouserr.OK}.MarshalBinary()}
}

func (s *Server) handleCacheflush(req request) {
	body, err := wire.UnmarshalCMsgRequest(req.env.Body)
	if err != nil {
		req.reply <- replyErr(wire.OpCacheflush, piouserr.EPROTO)
		return
	}
	now := time.Now()
	req.reply <- s.controlReply(req.clientID, body.CMsgID, now, func() wire.Envelope {
		err := s.blocks.Flush()
		return wire.Envelope{Op: wire.OpCacheflush, Body: wire.SimpleReply{Code: piouserr.CodeOf(err)}.MarshalBinary()}
	})
}

// handleShutdown flushes the cache, replies with the flush's result
// code, and tells Run to return after this message finishes processing.
func (s *Server) handleShutdown(req request) {
	_, err := wire.UnmarshalCMsgRequest(req.env.Body)
	if err != nil {
		req.reply <- replyErr(wire.OpShutdown, piouserr.EPROTO)
		return
	}
	flushErr := s.blocks.Flush()
	s.shuttingDown = true
	req.reply <- wire.Envelope{Op: wire.OpShutdown, Body: wire.SimpleReply{Code: piouserr.CodeOf(flushErr)}.MarshalBinary()}
}
