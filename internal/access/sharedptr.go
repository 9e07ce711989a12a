package access

import (
	"github.com/pious-project/pious/internal/txndriver"
	"github.com/pious-project/pious/pkg/piouserr"
	"github.com/pious-project/pious/pkg/wire"
)

// FetchAddSharedPtr reserves n bytes on the parafile's shared pointer by
// fetch-and-add on the low-order server hosting the sint slot, returning
// the pre-increment value: the offset this access should use. Run under
// the caller's transaction so a later abort restores the reservation.
func FetchAddSharedPtr(txn *txndriver.Txn, info *ParafileInfo, n int64) (int64, error) {
	hdr := txn.Header(info.SharedPtrHost)
	env := wire.Envelope{
		Op:   wire.OpFASint,
		Body: wire.FASintRequest{Header: hdr, Handle: info.SharedPtr, Offset: info.SharedPtrOff, Delta: n}.MarshalBinary(),
	}
	reply, err := txn.Do(info.SharedPtrHost, env)
	if err != nil {
		return 0, err
	}
	body, err := wire.UnmarshalSintReply(reply.Body)
	if err != nil {
		return 0, piouserr.Wrap(piouserr.EPROTO, "access.FetchAddSharedPtr", err)
	}
	txn.Observe(info.SharedPtrHost, body.Code)
	if body.Code != piouserr.OK {
		return 0, piouserr.New(body.Code, "access.FetchAddSharedPtr")
	}
	return body.Value, nil
}

// CorrectSharedPtr writes back corrected, the shared pointer's true
// post-access value, when fewer bytes ended up transferred than were
// reserved by FetchAddSharedPtr. The fetch-and-add left this
// transaction holding the slot's write lock until it ends, so no other
// client can have reserved a range in between, and rewriting the slot
// down to the actual total keeps the pointer consistent with what was
// really written or read.
func CorrectSharedPtr(txn *txndriver.Txn, info *ParafileInfo, corrected int64) error {
	hdr := txn.Header(info.SharedPtrHost)
	env := wire.Envelope{
		Op:   wire.OpWriteSint,
		Body: wire.WriteSintRequest{Header: hdr, Handle: info.SharedPtr, Offset: info.SharedPtrOff, Value: corrected}.MarshalBinary(),
	}
	reply, err := txn.Do(info.SharedPtrHost, env)
	if err != nil {
		return err
	}
	body, err := wire.UnmarshalSimpleReply(reply.Body)
	if err != nil {
		return piouserr.Wrap(piouserr.EPROTO, "access.CorrectSharedPtr", err)
	}
	txn.Observe(info.SharedPtrHost, body.Code)
	if body.Code != piouserr.OK {
		return piouserr.New(body.Code, "access.CorrectSharedPtr")
	}
	return nil
}
