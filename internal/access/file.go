package access

import (
	"github.com/pious-project/pious/internal/txndriver"
	"github.com/pious-project/pious/pkg/piouserr"
	"github.com/pious-project/pious/pkg/wire"
)

// File is one client's open handle on a parafile: the resolved striping
// descriptor plus, for an independent view, the private pointer this
// open advances on its own.
type File struct {
	driver *txndriver.Driver
	info   *ParafileInfo
	indPtr int64
}

func NewFile(driver *txndriver.Driver, info *ParafileInfo) *File {
	return &File{driver: driver, info: info}
}

// Info returns the parafile descriptor this file was opened with.
func (f *File) Info() *ParafileInfo { return f.info }

// Read transfers up to n bytes per the parafile's view. If txn is nil,
// the call runs as its own independent (non-user) transaction: it
// commits on success and aborts and restores the pointer position on
// failure, retrying an ABORT outcome per the driver's retry policy. If
// txn is non-nil, the call participates in the caller's transaction and
// neither commits nor aborts it.
func (f *File) Read(txn *txndriver.Txn, n int64) ([]byte, int64, error) {
	if txn != nil {
		return f.doRead(txn, n)
	}
	savedPtr := f.indPtr
	var data []byte
	var got int64
	err := f.driver.RunIndependent(f.info.Stable, func(t *txndriver.Txn) error {
		f.indPtr = savedPtr
		d, n2, err := f.doRead(t, n)
		if err != nil {
			return err
		}
		data, got = d, n2
		return nil
	})
	if err != nil {
		f.indPtr = savedPtr
		return nil, 0, err
	}
	return data, got, nil
}

// Write transfers data per the parafile's view, under the same txn-or-
// independent rule as Read.
func (f *File) Write(txn *txndriver.Txn, data []byte) (int64, error) {
	if txn != nil {
		return f.doWrite(txn, data)
	}
	savedPtr := f.indPtr
	var got int64
	err := f.driver.RunIndependent(f.info.Stable, func(t *txndriver.Txn) error {
		f.indPtr = savedPtr
		n, err := f.doWrite(t, data)
		if err != nil {
			return err
		}
		got = n
		return nil
	})
	if err != nil {
		f.indPtr = savedPtr
		return 0, err
	}
	return got, nil
}

// Seek repositions this file's independent-view pointer; meaningless
// for any other view.
func (f *File) Seek(offset int64) error {
	if f.info.View != ViewIndependent {
		return piouserr.New(piouserr.EINVAL, "access.File.Seek: not an independent view")
	}
	f.indPtr = offset
	return nil
}

func (f *File) resolveOffset(txn *txndriver.Txn, n int64) (int64, error) {
	switch f.info.View {
	case ViewGlobal:
		return FetchAddSharedPtr(txn, f.info, n)
	case ViewIndependent:
		return f.indPtr, nil
	default:
		return 0, piouserr.New(piouserr.EINVAL, "access.File: segmented view requires ReadAt/WriteAt")
	}
}

func (f *File) advance(txn *txndriver.Txn, offset, reserved, got int64) error {
	switch f.info.View {
	case ViewGlobal:
		if got != reserved {
			return CorrectSharedPtr(txn, f.info, offset+got)
		}
	case ViewIndependent:
		f.indPtr = offset + got
	}
	return nil
}

func (f *File) doRead(txn *txndriver.Txn, n int64) ([]byte, int64, error) {
	offset, err := f.resolveOffset(txn, n)
	if err != nil {
		return nil, 0, err
	}
	ranges := ComputeStripe(f.info.StripeUnit, f.info.SegCnt(), offset, n)
	ops := buildReadOps(f.info, ranges)

	results, err := RunPipeline(txn, ops, f.info.SegCnt(), f.info.PdsCnt())
	if err != nil {
		return nil, 0, err
	}
	if err := firstError(results); err != nil {
		return nil, 0, err
	}

	buf := make([]byte, n)
	for i, r := range ranges {
		Scatter(buf, r, results[i].Data)
	}
	got := EffectiveBytes(ranges, results)

	if err := f.advance(txn, offset, n, got); err != nil {
		return nil, 0, err
	}
	return buf[:got], got, nil
}

func (f *File) doWrite(txn *txndriver.Txn, data []byte) (int64, error) {
	n := int64(len(data))
	offset, err := f.resolveOffset(txn, n)
	if err != nil {
		return 0, err
	}
	ranges := ComputeStripe(f.info.StripeUnit, f.info.SegCnt(), offset, n)
	ops := buildWriteOps(f.info, ranges, data)

	results, err := RunPipeline(txn, ops, f.info.SegCnt(), f.info.PdsCnt())
	if err != nil {
		return 0, err
	}
	if err := firstError(results); err != nil {
		return 0, err
	}

	got := EffectiveBytes(ranges, results)
	if err := f.advance(txn, offset, n, got); err != nil {
		return 0, err
	}
	return got, nil
}

// ReadAt and WriteAt serve the segmented view: a single explicit
// segment and offset, no striping and no shared/independent pointer
// involved. As with Read/Write, a nil txn runs the call as its own
// independent access.
func (f *File) ReadAt(txn *txndriver.Txn, segIndex int, offset, n int64) ([]byte, int64, error) {
	if segIndex < 0 || segIndex >= f.info.SegCnt() {
		return nil, 0, piouserr.New(piouserr.EINVAL, "access.File.ReadAt: segment index out of range")
	}
	if txn != nil {
		return f.doReadAt(txn, segIndex, offset, n)
	}
	var data []byte
	var got int64
	err := f.driver.RunIndependent(f.info.Stable, func(t *txndriver.Txn) error {
		d, n2, err := f.doReadAt(t, segIndex, offset, n)
		if err != nil {
			return err
		}
		data, got = d, n2
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return data, got, nil
}

func (f *File) doReadAt(txn *txndriver.Txn, segIndex int, offset, n int64) ([]byte, int64, error) {
	r := ComputeSegmented(segIndex, offset, n)
	ops := buildReadOps(f.info, []SegRange{r})
	results, err := RunPipeline(txn, ops, f.info.SegCnt(), f.info.PdsCnt())
	if err != nil {
		return nil, 0, err
	}
	if err := firstError(results); err != nil {
		return nil, 0, err
	}
	buf := make([]byte, n)
	Scatter(buf, r, results[0].Data)
	got := EffectiveBytes([]SegRange{r}, results)
	return buf[:got], got, nil
}

func (f *File) WriteAt(txn *txndriver.Txn, segIndex int, offset int64, data []byte) (int64, error) {
	if segIndex < 0 || segIndex >= f.info.SegCnt() {
		return 0, piouserr.New(piouserr.EINVAL, "access.File.WriteAt: segment index out of range")
	}
	if txn != nil {
		return f.doWriteAt(txn, segIndex, offset, data)
	}
	var got int64
	err := f.driver.RunIndependent(f.info.Stable, func(t *txndriver.Txn) error {
		n, err := f.doWriteAt(t, segIndex, offset, data)
		if err != nil {
			return err
		}
		got = n
		return nil
	})
	return got, err
}

func (f *File) doWriteAt(txn *txndriver.Txn, segIndex int, offset int64, data []byte) (int64, error) {
	r := ComputeSegmented(segIndex, offset, int64(len(data)))
	ops := buildWriteOps(f.info, []SegRange{r}, data)
	results, err := RunPipeline(txn, ops, f.info.SegCnt(), f.info.PdsCnt())
	if err != nil {
		return 0, err
	}
	if err := firstError(results); err != nil {
		return 0, err
	}
	return EffectiveBytes([]SegRange{r}, results), nil
}

func buildReadOps(info *ParafileInfo, ranges []SegRange) []PipelineOp {
	ops := make([]PipelineOp, len(ranges))
	for i, r := range ranges {
		r := r
		seg := info.Segments[r.SegIndex]
		ops[i] = PipelineOp{
			SegIndex: r.SegIndex,
			Endpoint: seg.Endpoint,
			Build: func(hdr wire.Header) wire.Envelope {
				return wire.Envelope{Op: wire.OpRead, Body: wire.ReadRequest{
					Header: hdr, Handle: seg.Handle, Offset: r.FileOffset, NByte: r.ByteCount,
				}.MarshalBinary()}
			},
			Parse: func(reply wire.Envelope) (PipelineResult, error) {
				body, err := wire.UnmarshalReadReply(reply.Body)
				if err != nil {
					return PipelineResult{}, piouserr.Wrap(piouserr.EPROTO, "access.buildReadOps", err)
				}
				return PipelineResult{Code: body.Code, N: int64(len(body.Data)), Data: body.Data}, nil
			},
		}
	}
	return ops
}

func buildWriteOps(info *ParafileInfo, ranges []SegRange, buf []byte) []PipelineOp {
	ops := make([]PipelineOp, len(ranges))
	for i, r := range ranges {
		r := r
		seg := info.Segments[r.SegIndex]
		payload := Gather(buf, r)
		ops[i] = PipelineOp{
			SegIndex: r.SegIndex,
			Endpoint: seg.Endpoint,
			Build: func(hdr wire.Header) wire.Envelope {
				return wire.Envelope{Op: wire.OpWrite, Body: wire.WriteRequest{
					Header: hdr, Handle: seg.Handle, Offset: r.FileOffset, Data: payload,
				}.MarshalBinary()}
			},
			Parse: func(reply wire.Envelope) (PipelineResult, error) {
				body, err := wire.UnmarshalWriteReply(reply.Body)
				if err != nil {
					return PipelineResult{}, piouserr.Wrap(piouserr.EPROTO, "access.buildWriteOps", err)
				}
				return PipelineResult{Code: body.Code, N: body.N}, nil
			},
		}
	}
	return ops
}

func firstError(results []PipelineResult) error {
	for _, r := range results {
		if r.Code != piouserr.OK {
			return piouserr.New(r.Code, "access")
		}
	}
	return nil
}
