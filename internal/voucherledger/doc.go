// Package voucherledger is the single source of truth for how much has been
// charged on each payment channel and which channel's latest voucher is
// still unclaimed.
//
// Vouchers are cumulative, so only the highest-amount voucher per channel is
// retained. A new voucher replaces the stored one iff its amount is strictly
// greater; updates to one channel are linearized by that channel's lock.
//
// Two Store implementations are provided:
//   - MemoryStore: in-process, for testing and development.
//   - PostgresStore: durable, for production use.
package voucherledger
