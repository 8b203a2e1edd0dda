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

package kassaflow

import "errors"

var (
	// ErrNoPayeeTaxID means an agent sale cannot be receipted until the
	// executor's tax id is known.
	ErrNoPayeeTaxID = errors.New("agent sale has no payee tax id")

	// ErrUnclassifiableReceipt means no classification rule applied and the
	// receipt was not written anywhere.
	ErrUnclassifiableReceipt = errors.New("receipt could not be classified")

	// ErrDuplicateReceiptDetected means the receipt is already recorded
	// under the other role.
	ErrDuplicateReceiptDetected = errors.New("receipt already recorded under the other role")

	ErrSaleNotSettled = errors.New("sale is not settled")
	ErrNoOrderNumber  = errors.New("sale has no numeric order id")
	ErrReceiptPending = errors.New("receipt link is not available yet")
)
