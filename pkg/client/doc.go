// Package client is the paygate Go SDK.
//
// A consumer that has opened a payment channel pays for calls with a Payer,
// which signs a cumulative voucher per request:
//
//	domain := voucher.Domain{Name: "PaymentChannel", Version: "1", ChainID: big.NewInt(8453), VerifyingContract: escrow}
//	payer := client.NewPayer(domain, consumerKey, channelID)
//
//	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, "https://api.example.com/v1/quote", nil)
//	resp, receipt, err := payer.Do(req, big.NewInt(100))
//	if errors.Is(err, client.ErrPaymentRejected) {
//	    var apiErr *client.APIError
//	    errors.As(err, &apiErr)
//	    log.Printf("rejected: %s (price %s)", apiErr.Reason, apiErr.Price)
//	}
//
// Operators drive settlement and read earnings with Admin:
//
//	admin := client.NewAdmin("https://api.example.com")
//	if err := admin.Login(ctx, os.Getenv("PAYGATE_ADMIN_SECRET")); err != nil {
//	    log.Fatal(err)
//	}
//	report, err := admin.TriggerClaims(ctx, true)
package client
