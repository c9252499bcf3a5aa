/*
Package archive validates and unpacks untrusted ZIP archives.

Validation runs before any byte is extracted: entry counts, declared
uncompressed sizes, compression ratios, path traversal attempts, and file
type allow-lists are all checked against configurable limits. Structural
problems (unreadable header, too many entries, zip bomb, nothing valid)
fail the whole archive; per-entry problems mark the entry suspicious and
it is skipped during extraction but reported to the caller.

Extraction writes into a fresh directory owned by the calling task,
flattening entry names to sanitized basenames and enforcing that every
resolved path stays inside the extraction root. Declared sizes are hard
upper bounds; an entry that streams past its declared size is aborted and
its partial output removed.
*/
package archive
