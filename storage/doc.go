// Package storage implements the sealed record stores used by the key
// vault. Records are opaque ciphertext sealed inside the enclave; the
// backends only ever move encrypted bytes.
//
// Supported backends, selected by location URI:
//
//	file:///var/lib/paymentsd/keys        local filesystem
//	vault://host:8200/secret/keyvault     HashiCorp Vault KV v2
//	s3://KEY:SECRET@bucket/prefix?region= Amazon S3 or compatible
//
// Unlike a content-addressed store, records are keyed and deletable:
// destroying a subscription's key material must actually remove the
// ciphertext from the backend.
package storage
