package mcpserver

// ConsentModel describes records, consent entries and error categories for
// LLM consumers of the read-only tools.
const ConsentModel = `# Health Vault Consent Model

Every record is encrypted on the client with a fresh AES-256-GCM key before
it leaves the uploader. The ciphertext lives in a content-addressed store;
the ledger holds only metadata and one wrapped copy of the key per viewer.

## Records

- ` + "`" + `record_id` + "`" + ` is assigned by the ledger and never reused.
- ` + "`" + `cid` + "`" + ` points at the encrypted blob; ` + "`" + `data_hash` + "`" + ` is keccak-256 of the ciphertext.
- ` + "`" + `record_type` + "`" + ` is keccak-256 of the uploader's free-text label.
- Metadata is immutable once anchored.

## Consent entries

1. The patient always holds an entry for their own records.
2. Only the patient can grant or revoke access.
3. A grant carries an optional expiry (unix seconds, 0 = never). An expired
   entry behaves exactly like an absent one.
4. Revoking removes future access. A viewer who already decrypted the record
   may still hold the plaintext; keys are not rotated.
5. ` + "`" + `check_access` + "`" + ` reflects the ledger at call time, not a cached answer.

## Error categories

| Party | Meaning | Typical errors |
|---|---|---|
| caller | the request or the wallet is wrong | invalid input, not authorized, access denied, blocked by risk check |
| data | the stored record is missing or unreadable | not found, authentication failure, schema mismatch |
| infra | a dependency is down | contract not deployed, storage unavailable, ledger write failed, upstream timeout |

A failed upload that already stored its blob reports a pending anchor
(content pointer, hashes and wrapped key) so the anchor can be retried
without uploading again.

## Audit log

Entries are the last ` + "`" + `50` + "`" + ` ledger events of the four tracked kinds within the
last 100 blocks, deduplicated by kind, block number and log index, newest first.
`
