/*
Package security seals provider credentials at rest.

Agent settings hold API keys, SMTP passwords and webhook URLs. When a
passphrase is configured, the storage layer passes every sensitive setting
through a SecretsManager before it is written:

	plain value ──AES-256-GCM──> nonce||ciphertext ──base64──> "sealed:v1:..."

Reads reverse the process. Values without the sealed prefix are returned as
is, so a database populated before sealing was enabled keeps working and is
sealed progressively as settings are rewritten.

The key is derived from the passphrase with SHA-256. Losing the passphrase
makes sealed settings unrecoverable.
*/
package security
