package service

import "icapd/internal/common"

// ReqmodFunc adapts a plain function to the HandleReqmod method.
type ReqmodFunc func(req *common.HttpRequest, body []byte, buf []byte) (Result, error)

// RespmodFunc adapts a plain function to the HandleRespmod method.
type RespmodFunc func(req *common.HttpRequest, res *common.HttpResponse, body []byte, buf []byte) (Result, error)

// Func builds a Service out of three closures, for callers whose
// adaptation logic doesn't warrant a named type with its own state.
type Func struct {
	name    string
	istag   string
	options [][2]string
	reqmod  ReqmodFunc
	respmod RespmodFunc
}

// NewFunc returns a Service named name, reporting istag, whose
// OPTIONS/REQMOD/RESPMOD handling is supplied by the given callbacks.
// Either callback may be nil, in which case the corresponding method
// always returns NoAdaptationNeeded.
func NewFunc(name, istag string, options [][2]string, reqmod ReqmodFunc, respmod RespmodFunc) *Func {
	return &Func{name: name, istag: istag, options: options, reqmod: reqmod, respmod: respmod}
}

func (f *Func) Name() string  { return f.name }
func (f *Func) ISTag() string { return f.istag }

func (f *Func) HandleOptions() [][2]string { return f.options }

func (f *Func) HandleReqmod(req *common.HttpRequest, body []byte, buf []byte) (Result, error) {
	if f.reqmod == nil {
		return Result{Decision: NoAdaptationNeeded}, nil
	}
	return f.reqmod(req, body, buf)
}

func (f *Func) HandleRespmod(req *common.HttpRequest, res *common.HttpResponse, body []byte, buf []byte) (Result, error) {
	if f.respmod == nil {
		return Result{Decision: NoAdaptationNeeded}, nil
	}
	return f.respmod(req, res, body, buf)
}
