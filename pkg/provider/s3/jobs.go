package s3

import (
	"bytes"
	"context"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"github.com/cirrusfs/cirrus/pkg/provider"
)

// uploadJob buffers the stream and commits it with one PutObject. For
// updates the etag is re-checked with HeadObject just before the put; the
// put itself is unconditional.
type uploadJob struct {
	*provider.UploadSocket
	p *S3Provider

	targetID    string
	contentType string
	oldETag     string
	size        int64
}

// CreateFile implements provider.Provider.
func (p *S3Provider) CreateFile(ctx context.Context, parentIDArg, name string, size int64, contentType string, allowOverwrite bool, peer provider.Context) (provider.UploadJob, error) {
	if err := checkName(name); err != nil {
		return nil, err
	}
	if size < 0 {
		return nil, provider.NewError(provider.ErrorInvalidArgument, "negative size")
	}
	if parentIDArg != RootID {
		if err := checkID(parentIDArg); err != nil {
			return nil, err
		}
		if !isFolderID(parentIDArg) {
			return nil, provider.NewKeyError(provider.ErrorInvalidArgument, parentIDArg, "parent is not a folder")
		}
	}

	target := childID(parentIDArg, name, false)
	if !allowOverwrite {
		_, err := p.client.HeadObject(ctx, &awss3.HeadObjectInput{
			Bucket: aws.String(p.bucket),
			Key:    aws.String(p.key(target)),
		})
		if err == nil {
			return nil, provider.NewKeyError(provider.ErrorExists, name, "name already in use")
		}
		if !isNotFound(err) {
			return nil, mapS3Error(err, target)
		}
	}

	socket, err := provider.NewUploadSocket(uuid.NewString())
	if err != nil {
		return nil, err
	}
	return &uploadJob{
		UploadSocket: socket,
		p:            p,
		targetID:     target,
		contentType:  contentType,
		size:         size,
	}, nil
}

// Update implements provider.Provider.
func (p *S3Provider) Update(ctx context.Context, itemID string, size int64, oldETag string, peer provider.Context) (provider.UploadJob, error) {
	if err := checkID(itemID); err != nil {
		return nil, err
	}
	if isFolderID(itemID) {
		return nil, provider.NewKeyError(provider.ErrorInvalidArgument, itemID, "not a file")
	}
	if size < 0 {
		return nil, provider.NewError(provider.ErrorInvalidArgument, "negative size")
	}

	head, err := p.client.HeadObject(ctx, &awss3.HeadObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(p.key(itemID)),
	})
	if err != nil {
		return nil, mapS3Error(err, itemID)
	}
	if oldETag != "" && cleanETag(head.ETag) != oldETag {
		return nil, provider.NewKeyError(provider.ErrorConflict, itemID, "etag mismatch")
	}

	socket, err := provider.NewUploadSocket(uuid.NewString())
	if err != nil {
		return nil, err
	}
	return &uploadJob{
		UploadSocket: socket,
		p:            p,
		targetID:     itemID,
		oldETag:      oldETag,
		size:         size,
	}, nil
}

func (j *uploadJob) Finish(ctx context.Context) (provider.Item, error) {
	defer j.Close()

	var buf bytes.Buffer
	total, err := j.Drain(&buf)
	if err != nil {
		return provider.Item{}, provider.NewError(provider.ErrorResource, "reading upload: %v", err)
	}
	if total < j.size {
		return provider.Item{}, provider.NewError(provider.ErrorLogic,
			"not enough bytes: got %d, expected %d", total, j.size)
	}
	if total > j.size {
		return provider.Item{}, provider.NewError(provider.ErrorLogic,
			"too much data: got %d, expected %d", total, j.size)
	}

	if j.oldETag != "" {
		head, err := j.p.client.HeadObject(ctx, &awss3.HeadObjectInput{
			Bucket: aws.String(j.p.bucket),
			Key:    aws.String(j.p.key(j.targetID)),
		})
		if err != nil {
			return provider.Item{}, mapS3Error(err, j.targetID)
		}
		if cleanETag(head.ETag) != j.oldETag {
			return provider.Item{}, provider.NewKeyError(provider.ErrorConflict, j.targetID, "etag mismatch")
		}
	}

	in := &awss3.PutObjectInput{
		Bucket: aws.String(j.p.bucket),
		Key:    aws.String(j.p.key(j.targetID)),
		Body:   bytes.NewReader(buf.Bytes()),
	}
	if j.contentType != "" {
		in.ContentType = aws.String(j.contentType)
	}
	out, err := j.p.client.PutObject(ctx, in)
	if err != nil {
		return provider.Item{}, mapS3Error(err, j.targetID)
	}
	size := total
	return j.p.fileItem(j.targetID, out.ETag, &size), nil
}

func (j *uploadJob) Cancel(ctx context.Context) error {
	return j.Close()
}

// downloadJob streams the object body into the socket from a goroutine.
type downloadJob struct {
	*provider.DownloadSocket
	body io.ReadCloser
}

// Download implements provider.Provider.
func (p *S3Provider) Download(ctx context.Context, itemID string, peer provider.Context) (provider.DownloadJob, error) {
	if err := checkID(itemID); err != nil {
		return nil, err
	}
	if isFolderID(itemID) {
		return nil, provider.NewKeyError(provider.ErrorInvalidArgument, itemID, "not a file")
	}

	out, err := p.client.GetObject(ctx, &awss3.GetObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(p.key(itemID)),
	})
	if err != nil {
		return nil, mapS3Error(err, itemID)
	}

	socket, err := provider.NewDownloadSocket(uuid.NewString())
	if err != nil {
		out.Body.Close()
		return nil, err
	}
	job := &downloadJob{DownloadSocket: socket, body: out.Body}

	go func() {
		defer out.Body.Close()
		if _, err := io.Copy(socket, out.Body); err != nil {
			socket.ReportError(provider.NewError(provider.ErrorRemoteComms, "reading object: %v", err))
			return
		}
		socket.ReportComplete()
	}()
	return job, nil
}

func (j *downloadJob) Finish(ctx context.Context) error {
	defer j.cleanup()
	return j.CheckComplete()
}

func (j *downloadJob) Cancel(ctx context.Context) error {
	j.cleanup()
	return nil
}

func (j *downloadJob) cleanup() {
	j.Close()
	j.body.Close()
}
