package api

import "testing"

func TestNormalizeMSISDN(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"0712345678", "254712345678"},
		{"0112345678", "254112345678"},
		{"+254712345678", "254712345678"},
		{"254712345678", "254712345678"},
		{"0712 345 678", "254712345678"},
		{"0712-345-678", "254712345678"},
	}
	for _, tc := range cases {
		got, err := NormalizeMSISDN(tc.in)
		if err != nil {
			t.Fatalf("%q: unexpected error %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("%q: got %q want %q", tc.in, got, tc.want)
		}
	}
}

func TestNormalizeMSISDNRejects(t *testing.T) {
	bad := []string{
		"",
		"12345",
		"0812345678",    // not a 7xx/1xx prefix
		"07123456789",   // too long
		"071234567",     // too short
		"25471234567a",  // non-digit
		"442071234567",  // wrong country
	}
	for _, in := range bad {
		if _, err := NormalizeMSISDN(in); err == nil {
			t.Fatalf("%q: expected error", in)
		}
	}
}

func TestQuoteRequestValidate(t *testing.T) {
	base := func() QuoteRequest {
		return QuoteRequest{FlowType: FlowOfframp, Amount: 1000, Currency: "KES", Phone: "0712345678"}
	}

	req := base()
	if err := req.Validate(); err != nil {
		t.Fatalf("valid request rejected: %v", err)
	}
	if req.Phone != "254712345678" {
		t.Fatalf("expected phone normalized, got %q", req.Phone)
	}

	bad := []QuoteRequest{
		{FlowType: "swap", Amount: 10, Currency: "KES"},
		{FlowType: FlowOfframp, Amount: 0, Currency: "KES", Phone: "0712345678"},
		{FlowType: FlowOfframp, Amount: -5, Currency: "KES", Phone: "0712345678"},
		{FlowType: FlowOfframp, Amount: 10, Currency: "", Phone: "0712345678"},
		{FlowType: FlowOfframp, Amount: 10, Currency: "KES"},
		{FlowType: FlowPaybill, Amount: 10, Currency: "KES", PaybillNumber: "888880"}, // missing reference
		{FlowType: FlowBuygoods, Amount: 10, Currency: "KES"},                         // missing till
	}
	for i := range bad {
		if err := bad[i].Validate(); err == nil {
			t.Fatalf("case %d: expected error", i)
		}
	}
}

func TestQuoteRequestValidateRejectsForeignTargets(t *testing.T) {
	bad := []QuoteRequest{
		{FlowType: FlowOfframp, Amount: 10, Currency: "KES", Phone: "0712345678", PaybillNumber: "888880"},
		{FlowType: FlowOfframp, Amount: 10, Currency: "KES", Phone: "0712345678", TillNumber: "123456"},
		{FlowType: FlowOnramp, Amount: 10, Currency: "KES", Phone: "0712345678", AccountReference: "ACC-1"},
		{FlowType: FlowPaybill, Amount: 10, Currency: "KES", PaybillNumber: "888880", AccountReference: "ACC-1", Phone: "0712345678"},
		{FlowType: FlowPaybill, Amount: 10, Currency: "KES", PaybillNumber: "888880", AccountReference: "ACC-1", TillNumber: "123456"},
		{FlowType: FlowBuygoods, Amount: 10, Currency: "KES", TillNumber: "123456", Phone: "0712345678"},
		{FlowType: FlowBuygoods, Amount: 10, Currency: "KES", TillNumber: "123456", PaybillNumber: "888880"},
	}
	for i := range bad {
		if err := bad[i].Validate(); err == nil {
			t.Fatalf("case %d: expected foreign target to be rejected", i)
		}
	}

	// The optional buygoods reference is still accepted.
	ok := QuoteRequest{FlowType: FlowBuygoods, Amount: 10, Currency: "KES", TillNumber: "123456", AccountReference: "ACC-1"}
	if err := ok.Validate(); err != nil {
		t.Fatalf("buygoods with reference rejected: %v", err)
	}
}
