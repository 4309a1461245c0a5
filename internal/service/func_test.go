package service

import (
	"testing"

	"icapd/internal/common"
)

func TestFuncDefaultsToNoAdaptation(t *testing.T) {
	f := NewFunc("noop", "Noop-1.0", nil, nil, nil)

	result, err := f.HandleReqmod(&common.HttpRequest{}, nil, nil)
	if err != nil {
		t.Fatalf("HandleReqmod: %v", err)
	}
	if result.Decision != NoAdaptationNeeded {
		t.Errorf("Decision = %v, want NoAdaptationNeeded", result.Decision)
	}

	result, err = f.HandleRespmod(&common.HttpRequest{}, &common.HttpResponse{}, nil, nil)
	if err != nil {
		t.Fatalf("HandleRespmod: %v", err)
	}
	if result.Decision != NoAdaptationNeeded {
		t.Errorf("Decision = %v, want NoAdaptationNeeded", result.Decision)
	}
}

func TestFuncDelegatesToCallbacks(t *testing.T) {
	called := false
	reqmod := func(req *common.HttpRequest, body []byte, buf []byte) (Result, error) {
		called = true
		return Result{Decision: AppendHeaders, ExtraHeaders: [][2]string{{"X-Scanned", "true"}}}, nil
	}
	f := NewFunc("scan", "Scan-1.0", [][2]string{{"Transfer-Preview", "*"}}, reqmod, nil)

	if f.Name() != "scan" || f.ISTag() != "Scan-1.0" {
		t.Errorf("Name/ISTag = %q/%q", f.Name(), f.ISTag())
	}
	opts := f.HandleOptions()
	if len(opts) != 1 || opts[0][0] != "Transfer-Preview" {
		t.Errorf("HandleOptions() = %v", opts)
	}

	result, err := f.HandleReqmod(&common.HttpRequest{}, nil, nil)
	if err != nil {
		t.Fatalf("HandleReqmod: %v", err)
	}
	if !called {
		t.Error("reqmod callback was not invoked")
	}
	if result.Decision != AppendHeaders {
		t.Errorf("Decision = %v, want AppendHeaders", result.Decision)
	}
}

func TestServiceErrorImplementsError(t *testing.T) {
	err := NewError(42, "adaptation refused")
	if err.Error() != "adaptation refused" {
		t.Errorf("Error() = %q", err.Error())
	}
	if err.Code != 42 {
		t.Errorf("Code = %d, want 42", err.Code)
	}
}
