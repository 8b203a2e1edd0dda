/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package issuer

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/kassaflow/kassaflow/model"
)

// Response shapes seen from the issuer, in detection order.
const (
	ShapeExtended = "extended"
	ShapeDetailed = "detailed"
	ShapeMinimal  = "minimal"
	ShapeCallback = "callback"
)

// paths lists candidate gjson paths for one attribute. Each is also tried
// under a "Data" wrapper.
func paths(dotted ...string) []string {
	out := make([]string, 0, len(dotted)*2)
	out = append(out, dotted...)
	for _, d := range dotted {
		out = append(out, "Data."+d)
	}
	return out
}

var (
	receiptIDPaths = paths("ReceiptId", "Receipt.ReceiptId", "receipt_id")
	invoiceIDPaths = paths("InvoiceId", "Receipt.InvoiceId", "Request.InvoiceId", "invoice_id")
	urlPaths       = paths("Device.OfdReceiptUrl", "OfdReceiptUrl", "Receipt.ReceiptUrl", "ReceiptUrl", "Url", "url")
	fnPaths        = paths("Device.FN", "Receipt.Fn", "Fn", "FN", "fn")
	fdPaths        = paths("Device.FDN", "Receipt.Fd", "Fd", "FDN", "fd")
	fpPaths        = paths("Device.FPD", "Receipt.Fp", "Fp", "FPD", "fp")
	methodPaths    = paths(
		"Receipt.Items.0.PaymentMethod",
		"Receipt.CustomerReceipt.Items.0.PaymentMethod",
		"Request.CustomerReceipt.Items.0.PaymentMethod",
		"CustomerReceipt.Items.0.PaymentMethod",
		"Items.0.PaymentMethod",
	)
	paymentTypePaths = paths(
		"Receipt.PaymentItems.0.PaymentType",
		"Receipt.CustomerReceipt.PaymentItems.0.PaymentType",
		"Request.CustomerReceipt.PaymentItems.0.PaymentType",
		"CustomerReceipt.PaymentItems.0.PaymentType",
		"PaymentItems.0.PaymentType",
	)
	docTypePaths    = paths("Receipt.Type", "Request.Type", "Type")
	statusNamePaths = paths("StatusName", "Status.Name")
)

// firstString returns the first path holding a non-empty string, a number
// or a bool. Numbers keep their raw text so long FN values stay exact.
func firstString(doc gjson.Result, paths ...string) string {
	for _, p := range paths {
		r := doc.Get(p)
		switch r.Type {
		case gjson.String:
			if s := strings.TrimSpace(r.Str); s != "" {
				return s
			}
		case gjson.Number:
			return r.Raw
		case gjson.True, gjson.False:
			return r.Raw
		}
	}
	return ""
}

// firstInt returns the first path holding an integer, accepting numeric
// strings.
func firstInt(doc gjson.Result, paths ...string) int {
	for _, p := range paths {
		r := doc.Get(p)
		var raw string
		switch r.Type {
		case gjson.Number:
			raw = r.Raw
		case gjson.String:
			raw = strings.TrimSpace(r.Str)
		default:
			continue
		}
		if n, err := strconv.Atoi(raw); err == nil {
			return n
		}
	}
	return 0
}

// ReceiptURL builds a public viewer link from fiscal attributes.
func ReceiptURL(viewBase, fn, fd, fp string) string {
	if viewBase == "" || fn == "" || fd == "" || fp == "" {
		return ""
	}
	return fmt.Sprintf("%s/%s/%s/%s", strings.TrimSuffix(viewBase, "/"), fn, fd, fp)
}

func shapeOf(doc gjson.Result) string {
	switch {
	case present(doc, "Receipt") || present(doc, "Data.Receipt"):
		return ShapeExtended
	case present(doc, "Device") || present(doc, "Data.Device"):
		return ShapeDetailed
	default:
		return ShapeMinimal
	}
}

func present(doc gjson.Result, path string) bool {
	r := doc.Get(path)
	return r.Exists() && r.Type != gjson.Null
}

func extract(doc gjson.Result, viewBase string) *model.ReceiptEvidence {
	ev := &model.ReceiptEvidence{
		ReceiptID:     firstString(doc, receiptIDPaths...),
		InvoiceID:     firstString(doc, invoiceIDPaths...),
		Fn:            firstString(doc, fnPaths...),
		Fd:            firstString(doc, fdPaths...),
		Fp:            firstString(doc, fpPaths...),
		PaymentMethod: firstInt(doc, methodPaths...),
		PaymentType:   firstInt(doc, paymentTypePaths...),
		DocumentType:  firstString(doc, docTypePaths...),
		StatusName:    firstString(doc, statusNamePaths...),
	}
	ev.URL = firstString(doc, urlPaths...)
	if ev.URL == "" {
		ev.URL = ReceiptURL(viewBase, ev.Fn, ev.Fd, ev.Fp)
	}
	return ev
}

// parseObject accepts only a well-formed JSON object.
func parseObject(data []byte) (gjson.Result, bool) {
	if !gjson.ValidBytes(data) {
		return gjson.Result{}, false
	}
	doc := gjson.ParseBytes(data)
	return doc, doc.IsObject()
}

// ParseStatus reads a status response body or its Data member.
func ParseStatus(data []byte, viewBase string) (*model.ReceiptEvidence, error) {
	doc, ok := parseObject(data)
	if !ok {
		return nil, ErrMalformed
	}
	ev := extract(doc, viewBase)
	if ev.ReceiptID == "" && ev.URL == "" && ev.InvoiceID == "" && ev.StatusName == "" {
		return nil, ErrMalformed
	}
	ev.Shape = shapeOf(doc)
	return ev, nil
}

// ParseCallback reads an issuer callback. A body that names no receipt,
// invoice or link is malformed.
func ParseCallback(body []byte, viewBase string) (*model.ReceiptEvidence, error) {
	doc, ok := parseObject(body)
	if !ok {
		return nil, ErrMalformed
	}
	ev := extract(doc, viewBase)
	if ev.ReceiptID == "" && ev.URL == "" && ev.InvoiceID == "" {
		return nil, ErrMalformed
	}
	ev.Shape = ShapeCallback
	return ev, nil
}
