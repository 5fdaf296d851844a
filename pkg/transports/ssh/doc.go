// Package ssh implements the remote shell used for application control on
// cloud nodes: command execution over golang.org/x/crypto/ssh and
// recursive folder copies over SFTP, with one pooled connection per node.
package ssh
