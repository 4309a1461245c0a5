package server

import (
	"testing"

	"icapd/internal/common"
	"icapd/internal/decoder"
)

func entities(t *testing.T, kinds ...decoder.EntityKind) decoder.EEList {
	t.Helper()
	var l decoder.EEList
	var b []byte
	off := 0
	for i, k := range kinds {
		if i > 0 {
			b = append(b, ", "...)
		}
		var name string
		switch k {
		case decoder.ReqHdr:
			name = "req-hdr"
		case decoder.ReqBody:
			name = "req-body"
		case decoder.ResHdr:
			name = "res-hdr"
		case decoder.ResBody:
			name = "res-body"
		case decoder.NullBody:
			name = "null-body"
		}
		b = append(b, name...)
		b = append(b, '=')
		b = append(b, []byte(itoa(off))...)
		off += 10
	}
	if err := l.ParseAppend(b); err != nil {
		t.Fatalf("ParseAppend(%q): %v", b, err)
	}
	return l
}

func TestCheckSanityOptions(t *testing.T) {
	ctx := NewReqCtx()
	ctx.IcapReq.Method = common.Options
	if err := ctx.CheckSanity(); err != nil {
		t.Errorf("empty OPTIONS: %v", err)
	}

	ctx.Entities = entities(t, decoder.NullBody)
	if err := ctx.CheckSanity(); err != nil {
		t.Errorf("OPTIONS with null-body: %v", err)
	}

	ctx.Entities = entities(t, decoder.ReqHdr, decoder.ReqBody)
	if err := ctx.CheckSanity(); err == nil {
		t.Error("OPTIONS with req-hdr/req-body: want error")
	}
}

func TestCheckSanityReqmodShape(t *testing.T) {
	ctx := NewReqCtx()
	ctx.IcapReq.Method = common.ReqMod

	ctx.Entities = entities(t, decoder.ReqHdr, decoder.NullBody)
	if err := ctx.CheckSanity(); err != nil {
		t.Errorf("req-hdr/null-body: %v", err)
	}

	ctx.Entities = entities(t, decoder.ResHdr, decoder.ResBody)
	if err := ctx.CheckSanity(); err == nil {
		t.Error("REQMOD with res-hdr/res-body shape: want BadEncapsulatedHdr")
	}
}

func TestCheckSanityRespmodShapes(t *testing.T) {
	ctx := NewReqCtx()
	ctx.IcapReq.Method = common.RespMod

	ctx.Entities = entities(t, decoder.ResHdr, decoder.NullBody)
	if err := ctx.CheckSanity(); err != nil {
		t.Errorf("res-hdr/null-body: %v", err)
	}

	ctx.Entities = entities(t, decoder.ReqHdr, decoder.ResHdr, decoder.NullBody)
	if err := ctx.CheckSanity(); err != nil {
		t.Errorf("req-hdr/res-hdr/null-body: %v", err)
	}

	// The REQMOD shape is not a legal RESPMOD shape, even though both
	// entities individually parse fine.
	ctx.Entities = entities(t, decoder.ReqHdr, decoder.ReqBody)
	if err := ctx.CheckSanity(); err == nil {
		t.Error("RESPMOD with req-hdr/req-body shape: want BadEncapsulatedHdr")
	}
}

func TestCheckSanityNonNullBodyRequiresAllow206AndPreview0(t *testing.T) {
	ctx := NewReqCtx()
	ctx.IcapReq.Method = common.ReqMod
	ctx.Entities = entities(t, decoder.ReqHdr, decoder.ReqBody)

	err := ctx.CheckSanity()
	derr, ok := err.(*decoder.Error)
	if !ok || derr.Kind != decoder.NoAllow206 {
		t.Fatalf("err = %v, want NoAllow206", err)
	}

	ctx.Allow206 = true
	err = ctx.CheckSanity()
	derr, ok = err.(*decoder.Error)
	if !ok || derr.Kind != decoder.NoPreview0 {
		t.Fatalf("err = %v, want NoPreview0", err)
	}

	ctx.PreviewFound = true
	ctx.PreviewSize = 0
	if err := ctx.CheckSanity(); err != nil {
		t.Errorf("Allow206 + Preview:0: %v", err)
	}
}
