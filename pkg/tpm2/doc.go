// Package tpm2 recovers the key store passphrase from a TPM 2.0 device.
//
// The passphrase of the encrypted key store is sealed into a persistent TPM
// object whose authorization policy is bound to a set of Platform
// Configuration Registers (PCRs). Unsealing succeeds only while those PCRs
// hold the values measured at provisioning time, so the key store cannot be
// opened on a platform whose firmware, boot chain or Secure Boot state has
// changed.
//
// # Usage
//
//	cfg := tpm2.Config{
//		DevicePath:   "/dev/tpmrm0",
//		SealedHandle: 0x81000001,
//		PCRSelection: []int{0, 7},
//	}
//
//	u, err := tpm2.NewUnsealer(cfg, nil)
//	if err != nil {
//		log.Fatal(err)
//	}
//	store, err := u.OpenStore(ctx, "", "/var/lib/bioseal", gate)
//	if errors.Is(err, tpm2.ErrPCRMismatch) {
//		log.Fatal("platform state changed since the passphrase was sealed")
//	}
//
// Objects sealed with password authorization instead of a PCR policy are
// unsealed with the password passed to Unseal or OpenStore.
//
// # Providers
//
// The default provider talks to a character device (/dev/tpm0, /dev/tpmrm0)
// or, when DevicePath is a Unix socket, to a simulator. Access is serialized
// within the process. Tests supply their own TPMProvider.
//
// # Errors
//
// Every device or policy failure is reported as keyvault.ErrStoreUnavailable
// wrapping one of ErrTPMUnavailable, ErrInvalidPassword, ErrPCRMismatch,
// ErrInvalidHandle or ErrEmptySecret. Context cancellation is returned as is.
package tpm2
