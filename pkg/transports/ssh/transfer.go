package ssh

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
)

func newSFTP(client *ssh.Client, host string) (*sftp.Client, error) {
	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		return nil, &TransportError{
			Op:          "sftp-init",
			Host:        host,
			Err:         fmt.Errorf("failed to create SFTP client: %w", err),
			IsTemporary: true,
		}
	}
	return sftpClient, nil
}

// uploadDirectory recursively uploads localDir to remoteDir.
func uploadDirectory(ctx context.Context, client *ssh.Client, host, localDir, remoteDir string, logger zerolog.Logger) error {
	sftpClient, err := newSFTP(client, host)
	if err != nil {
		return err
	}
	defer sftpClient.Close()

	files := 0
	err = filepath.Walk(localDir, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		rel, err := filepath.Rel(localDir, p)
		if err != nil {
			return err
		}
		target := path.Join(remoteDir, filepath.ToSlash(rel))

		if info.IsDir() {
			if err := sftpClient.MkdirAll(target); err != nil {
				return fmt.Errorf("failed to create directory %s: %w", target, err)
			}
			return nil
		}
		if err := uploadFile(ctx, sftpClient, p, target, info.Mode().Perm()); err != nil {
			return fmt.Errorf("failed to upload file %s: %w", p, err)
		}
		files++
		return nil
	})
	if err != nil {
		return &TransportError{Op: "upload", Host: host, Err: err, IsTemporary: true}
	}

	logger.Info().Str("host", host).Str("local", localDir).Str("remote", remoteDir).Int("files", files).Msg("Directory uploaded")
	return nil
}

func uploadFile(ctx context.Context, sftpClient *sftp.Client, localPath, remotePath string, mode os.FileMode) error {
	localFile, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open local file: %w", err)
	}
	defer localFile.Close()

	remoteFile, err := sftpClient.Create(remotePath)
	if err != nil {
		return fmt.Errorf("failed to create remote file: %w", err)
	}
	defer remoteFile.Close()

	if _, err := copyWithContext(ctx, remoteFile, localFile); err != nil {
		return fmt.Errorf("failed to copy file: %w", err)
	}
	if err := sftpClient.Chmod(remotePath, mode); err != nil {
		return fmt.Errorf("failed to set permissions: %w", err)
	}
	return nil
}

// downloadDirectory recursively downloads remoteDir into localDir.
func downloadDirectory(ctx context.Context, client *ssh.Client, host, remoteDir, localDir string, logger zerolog.Logger) error {
	sftpClient, err := newSFTP(client, host)
	if err != nil {
		return err
	}
	defer sftpClient.Close()

	files := 0
	walker := sftpClient.Walk(remoteDir)
	for walker.Step() {
		if err := walker.Err(); err != nil {
			return &TransportError{Op: "download", Host: host, Err: fmt.Errorf("failed to walk remote directory: %w", err), IsTemporary: true}
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		rel, err := filepath.Rel(remoteDir, walker.Path())
		if err != nil {
			return err
		}
		target := filepath.Join(localDir, rel)

		if walker.Stat().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("failed to create directory %s: %w", target, err)
			}
			continue
		}
		if err := downloadFile(ctx, sftpClient, walker.Path(), target, walker.Stat().Mode().Perm()); err != nil {
			return &TransportError{Op: "download", Host: host, Err: fmt.Errorf("failed to download file %s: %w", walker.Path(), err), IsTemporary: true}
		}
		files++
	}

	logger.Info().Str("host", host).Str("remote", remoteDir).Str("local", localDir).Int("files", files).Msg("Directory downloaded")
	return nil
}

func downloadFile(ctx context.Context, sftpClient *sftp.Client, remotePath, localPath string, mode os.FileMode) error {
	remoteFile, err := sftpClient.Open(remotePath)
	if err != nil {
		return fmt.Errorf("failed to open remote file: %w", err)
	}
	defer remoteFile.Close()

	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return fmt.Errorf("failed to create local directory: %w", err)
	}
	localFile, err := os.OpenFile(localPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return fmt.Errorf("failed to create local file: %w", err)
	}
	defer localFile.Close()

	if _, err := copyWithContext(ctx, localFile, remoteFile); err != nil {
		return fmt.Errorf("failed to copy file: %w", err)
	}
	return nil
}

// copyWithContext copies src to dst in chunks, stopping when ctx is done.
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64

	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}

		nr, rerr := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[:nr])
			written += int64(nw)
			if werr != nil {
				return written, werr
			}
			if nr != nw {
				return written, io.ErrShortWrite
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}
