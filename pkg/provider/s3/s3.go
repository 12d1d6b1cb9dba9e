// Package s3 implements a cloud backend over an S3 bucket.
//
// The bucket namespace maps onto the item model the way S3 consoles
// present it: folder ids are key prefixes ending in "/", file ids are
// object keys, and the configured bucket is the single root. Page tokens
// are S3 continuation tokens, so List pagination is native. A folder is
// materialized as a zero-byte marker object so empty folders survive.
package s3

import (
	"context"
	"errors"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/cirrusfs/cirrus/pkg/provider"
)

// RootID is the identifier of the bucket root.
const RootID = "root"

// DefaultPageSize bounds List pages when the config does not say otherwise.
const DefaultPageSize = 1000

// Config controls an S3 provider.
type Config struct {
	Region          string `mapstructure:"region" validate:"required"`
	Bucket          string `mapstructure:"bucket" validate:"required"`
	KeyPrefix       string `mapstructure:"key_prefix"`
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	PageSize        int32  `mapstructure:"page_size"`
}

// Client is the slice of the S3 API the backend uses. *s3.Client satisfies
// it; tests substitute fakes.
type Client interface {
	ListObjectsV2(ctx context.Context, in *awss3.ListObjectsV2Input, opts ...func(*awss3.Options)) (*awss3.ListObjectsV2Output, error)
	HeadObject(ctx context.Context, in *awss3.HeadObjectInput, opts ...func(*awss3.Options)) (*awss3.HeadObjectOutput, error)
	GetObject(ctx context.Context, in *awss3.GetObjectInput, opts ...func(*awss3.Options)) (*awss3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *awss3.PutObjectInput, opts ...func(*awss3.Options)) (*awss3.PutObjectOutput, error)
	CopyObject(ctx context.Context, in *awss3.CopyObjectInput, opts ...func(*awss3.Options)) (*awss3.CopyObjectOutput, error)
	DeleteObject(ctx context.Context, in *awss3.DeleteObjectInput, opts ...func(*awss3.Options)) (*awss3.DeleteObjectOutput, error)
}

// S3Provider implements provider.Provider over one bucket (optionally under
// a key prefix).
type S3Provider struct {
	client   Client
	bucket   string
	prefix   string // normalized: empty or ending in "/"
	pageSize int32
}

// New builds the AWS client from the config and returns the backend. A
// custom endpoint switches to path-style addressing for MinIO/Localstack
// compatibility.
func New(ctx context.Context, cfg Config) (*S3Provider, error) {
	if cfg.Bucket == "" {
		return nil, provider.NewError(provider.ErrorInvalidArgument, "bucket is required")
	}
	if cfg.Region == "" {
		return nil, provider.NewError(provider.ErrorInvalidArgument, "region is required")
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, provider.NewError(provider.ErrorRemoteComms, "aws config: %v", err)
	}

	client := awss3.NewFromConfig(awsCfg, func(o *awss3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewWithClient(client, cfg), nil
}

// NewWithClient wires an existing client, used by tests.
func NewWithClient(client Client, cfg Config) *S3Provider {
	prefix := strings.Trim(cfg.KeyPrefix, "/")
	if prefix != "" {
		prefix += "/"
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &S3Provider{
		client:   client,
		bucket:   cfg.Bucket,
		prefix:   prefix,
		pageSize: pageSize,
	}
}

// key converts an item id into the object key under the configured prefix.
func (p *S3Provider) key(id string) string {
	return p.prefix + id
}

// idFromKey converts an object key back into an item id.
func (p *S3Provider) idFromKey(key string) string {
	return strings.TrimPrefix(key, p.prefix)
}

func isFolderID(id string) bool {
	return strings.HasSuffix(id, "/")
}

// checkID rejects ids no object in this bucket can have.
func checkID(id string) error {
	if id == "" || strings.HasPrefix(id, "/") || strings.Contains(id, "//") ||
		id == "." || strings.Contains(id, "/../") || strings.HasPrefix(id, "../") {
		return provider.NewKeyError(provider.ErrorInvalidArgument, id, "malformed item id")
	}
	return nil
}

func checkName(name string) error {
	if name == "" || strings.ContainsRune(name, '/') {
		return provider.NewKeyError(provider.ErrorInvalidArgument, name, "invalid name")
	}
	return nil
}

// parentID returns the folder id containing the given id.
func parentID(id string) string {
	trimmed := strings.TrimSuffix(id, "/")
	idx := strings.LastIndexByte(trimmed, '/')
	if idx < 0 {
		return RootID
	}
	return trimmed[:idx+1]
}

// titleOf returns the leaf name of an id.
func titleOf(id string) string {
	return path.Base(strings.TrimSuffix(id, "/"))
}

// childID composes the id of parent/name, optionally as a folder.
func childID(parent, name string, folder bool) string {
	base := ""
	if parent != RootID {
		base = parent
	}
	id := base + name
	if folder {
		id += "/"
	}
	return id
}

func (p *S3Provider) rootItem() provider.Item {
	return provider.Item{
		ID:    RootID,
		Title: p.bucket,
		Type:  provider.ItemTypeRoot,
	}
}

func folderItem(id string) provider.Item {
	return provider.Item{
		ID:       id,
		ParentID: parentID(id),
		Title:    titleOf(id),
		Type:     provider.ItemTypeFolder,
	}
}

func (p *S3Provider) fileItem(id string, etag *string, size *int64) provider.Item {
	item := provider.Item{
		ID:       id,
		ParentID: parentID(id),
		Title:    titleOf(id),
		ETag:     cleanETag(etag),
		Type:     provider.ItemTypeFile,
	}
	if size != nil {
		item.Metadata = map[string]provider.Value{
			"size": provider.Int(*size),
		}
	}
	return item
}

// cleanETag strips the quotes S3 wraps around entity tags.
func cleanETag(etag *string) string {
	if etag == nil {
		return ""
	}
	return strings.Trim(*etag, "\"")
}

// listPrefix is the scan prefix for a folder id ("" for the root).
func listPrefix(id string) string {
	if id == RootID {
		return ""
	}
	return id
}

// Roots implements provider.Provider.
func (p *S3Provider) Roots(ctx context.Context, peer provider.Context) ([]provider.Item, error) {
	return []provider.Item{p.rootItem()}, nil
}

// List implements provider.Provider. The continuation token from S3 is the
// page token verbatim.
func (p *S3Provider) List(ctx context.Context, itemID, pageToken string, peer provider.Context) ([]provider.Item, string, error) {
	if itemID != RootID {
		if err := checkID(itemID); err != nil {
			return nil, "", err
		}
		if !isFolderID(itemID) {
			return nil, "", provider.NewKeyError(provider.ErrorInvalidArgument, itemID, "cannot list a file")
		}
	}

	in := &awss3.ListObjectsV2Input{
		Bucket:    aws.String(p.bucket),
		Prefix:    aws.String(p.key(listPrefix(itemID))),
		Delimiter: aws.String("/"),
		MaxKeys:   aws.Int32(p.pageSize),
	}
	if pageToken != "" {
		in.ContinuationToken = aws.String(pageToken)
	}

	out, err := p.client.ListObjectsV2(ctx, in)
	if err != nil {
		if pageToken != "" && isInvalidToken(err) {
			return nil, "", provider.NewKeyError(provider.ErrorLogic, pageToken, "Unknown page token")
		}
		return nil, "", mapS3Error(err, itemID)
	}

	items := make([]provider.Item, 0, len(out.CommonPrefixes)+len(out.Contents))
	for _, cp := range out.CommonPrefixes {
		items = append(items, folderItem(p.idFromKey(aws.ToString(cp.Prefix))))
	}
	for _, obj := range out.Contents {
		id := p.idFromKey(aws.ToString(obj.Key))
		// Skip the folder's own marker object.
		if isFolderID(id) || id == "" {
			continue
		}
		items = append(items, p.fileItem(id, obj.ETag, obj.Size))
	}

	next := ""
	if aws.ToBool(out.IsTruncated) {
		next = aws.ToString(out.NextContinuationToken)
	}
	return items, next, nil
}

// Lookup implements provider.Provider.
func (p *S3Provider) Lookup(ctx context.Context, parentIDArg, name string, peer provider.Context) ([]provider.Item, error) {
	if err := checkName(name); err != nil {
		return nil, err
	}
	if parentIDArg != RootID {
		if err := checkID(parentIDArg); err != nil {
			return nil, err
		}
		if !isFolderID(parentIDArg) {
			return nil, provider.NewKeyError(provider.ErrorInvalidArgument, parentIDArg, "cannot look up inside a file")
		}
	}

	fileID := childID(parentIDArg, name, false)
	head, err := p.client.HeadObject(ctx, &awss3.HeadObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(p.key(fileID)),
	})
	if err == nil {
		return []provider.Item{p.fileItem(fileID, head.ETag, head.ContentLength)}, nil
	}
	if !isNotFound(err) {
		return nil, mapS3Error(err, fileID)
	}

	folder := childID(parentIDArg, name, true)
	exists, err := p.prefixExists(ctx, folder)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, nil
	}
	return []provider.Item{folderItem(folder)}, nil
}

// Metadata implements provider.Provider.
func (p *S3Provider) Metadata(ctx context.Context, itemID string, peer provider.Context) (provider.Item, error) {
	if itemID == RootID {
		return p.rootItem(), nil
	}
	if err := checkID(itemID); err != nil {
		return provider.Item{}, err
	}

	if isFolderID(itemID) {
		exists, err := p.prefixExists(ctx, itemID)
		if err != nil {
			return provider.Item{}, err
		}
		if !exists {
			return provider.Item{}, provider.NewKeyError(provider.ErrorNotExists, itemID, "no such item")
		}
		return folderItem(itemID), nil
	}

	head, err := p.client.HeadObject(ctx, &awss3.HeadObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(p.key(itemID)),
	})
	if err != nil {
		return provider.Item{}, mapS3Error(err, itemID)
	}
	return p.fileItem(itemID, head.ETag, head.ContentLength), nil
}

// CreateFolder implements provider.Provider: a zero-byte marker object.
func (p *S3Provider) CreateFolder(ctx context.Context, parentIDArg, name string, peer provider.Context) (provider.Item, error) {
	if err := checkName(name); err != nil {
		return provider.Item{}, err
	}
	if parentIDArg != RootID {
		if err := checkID(parentIDArg); err != nil {
			return provider.Item{}, err
		}
		if !isFolderID(parentIDArg) {
			return provider.Item{}, provider.NewKeyError(provider.ErrorInvalidArgument, parentIDArg, "parent is not a folder")
		}
	}

	folder := childID(parentIDArg, name, true)
	exists, err := p.prefixExists(ctx, folder)
	if err != nil {
		return provider.Item{}, err
	}
	if exists {
		return provider.Item{}, provider.NewKeyError(provider.ErrorExists, name, "name already in use")
	}

	if _, err := p.client.PutObject(ctx, &awss3.PutObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(p.key(folder)),
		Body:   strings.NewReader(""),
	}); err != nil {
		return provider.Item{}, mapS3Error(err, folder)
	}
	return folderItem(folder), nil
}

// DeleteItem implements provider.Provider. Folders delete every object
// under their prefix.
func (p *S3Provider) DeleteItem(ctx context.Context, itemID string, peer provider.Context) error {
	if itemID == RootID {
		return provider.NewKeyError(provider.ErrorInvalidArgument, itemID, "cannot delete a root")
	}
	if err := checkID(itemID); err != nil {
		return err
	}

	if !isFolderID(itemID) {
		if _, err := p.Metadata(ctx, itemID, peer); err != nil {
			return err
		}
		_, err := p.client.DeleteObject(ctx, &awss3.DeleteObjectInput{
			Bucket: aws.String(p.bucket),
			Key:    aws.String(p.key(itemID)),
		})
		return mapS3Error(err, itemID)
	}

	keys, err := p.keysUnder(ctx, itemID)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return provider.NewKeyError(provider.ErrorNotExists, itemID, "no such item")
	}
	for _, key := range keys {
		if _, err := p.client.DeleteObject(ctx, &awss3.DeleteObjectInput{
			Bucket: aws.String(p.bucket),
			Key:    aws.String(key),
		}); err != nil {
			return mapS3Error(err, itemID)
		}
	}
	return nil
}

// Move implements provider.Provider via copy-then-delete; S3 has no rename,
// so the moved item gets a location-derived new id.
func (p *S3Provider) Move(ctx context.Context, itemID, newParentID, newName string, peer provider.Context) (provider.Item, error) {
	item, err := p.Copy(ctx, itemID, newParentID, newName, peer)
	if err != nil {
		return provider.Item{}, err
	}
	if err := p.DeleteItem(ctx, itemID, peer); err != nil {
		return provider.Item{}, err
	}
	return item, nil
}

// Copy implements provider.Provider. Folder copies replay every object
// under the source prefix.
func (p *S3Provider) Copy(ctx context.Context, itemID, newParentID, newName string, peer provider.Context) (provider.Item, error) {
	if itemID == RootID {
		return provider.Item{}, provider.NewKeyError(provider.ErrorInvalidArgument, itemID, "cannot copy a root")
	}
	if err := checkID(itemID); err != nil {
		return provider.Item{}, err
	}
	if err := checkName(newName); err != nil {
		return provider.Item{}, err
	}
	if newParentID != RootID {
		if err := checkID(newParentID); err != nil {
			return provider.Item{}, err
		}
		if !isFolderID(newParentID) {
			return provider.Item{}, provider.NewKeyError(provider.ErrorInvalidArgument, newParentID, "parent is not a folder")
		}
	}

	if !isFolderID(itemID) {
		dst := childID(newParentID, newName, false)
		if _, err := p.client.HeadObject(ctx, &awss3.HeadObjectInput{
			Bucket: aws.String(p.bucket),
			Key:    aws.String(p.key(dst)),
		}); err == nil {
			return provider.Item{}, provider.NewKeyError(provider.ErrorExists, newName, "name already in use")
		} else if !isNotFound(err) {
			return provider.Item{}, mapS3Error(err, dst)
		}

		out, err := p.client.CopyObject(ctx, &awss3.CopyObjectInput{
			Bucket:     aws.String(p.bucket),
			Key:        aws.String(p.key(dst)),
			CopySource: aws.String(p.bucket + "/" + p.key(itemID)),
		})
		if err != nil {
			return provider.Item{}, mapS3Error(err, itemID)
		}
		var etag *string
		if out.CopyObjectResult != nil {
			etag = out.CopyObjectResult.ETag
		}
		return p.fileItem(dst, etag, nil), nil
	}

	dst := childID(newParentID, newName, true)
	if exists, err := p.prefixExists(ctx, dst); err != nil {
		return provider.Item{}, err
	} else if exists {
		return provider.Item{}, provider.NewKeyError(provider.ErrorExists, newName, "name already in use")
	}

	keys, err := p.keysUnder(ctx, itemID)
	if err != nil {
		return provider.Item{}, err
	}
	if len(keys) == 0 {
		return provider.Item{}, provider.NewKeyError(provider.ErrorNotExists, itemID, "no such item")
	}
	srcPrefix := p.key(itemID)
	dstPrefix := p.key(dst)
	for _, key := range keys {
		target := dstPrefix + strings.TrimPrefix(key, srcPrefix)
		if _, err := p.client.CopyObject(ctx, &awss3.CopyObjectInput{
			Bucket:     aws.String(p.bucket),
			Key:        aws.String(target),
			CopySource: aws.String(p.bucket + "/" + key),
		}); err != nil {
			return provider.Item{}, mapS3Error(err, itemID)
		}
	}
	return folderItem(dst), nil
}

// prefixExists reports whether any object lives under a folder prefix.
func (p *S3Provider) prefixExists(ctx context.Context, folderID string) (bool, error) {
	out, err := p.client.ListObjectsV2(ctx, &awss3.ListObjectsV2Input{
		Bucket:  aws.String(p.bucket),
		Prefix:  aws.String(p.key(folderID)),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		return false, mapS3Error(err, folderID)
	}
	return aws.ToInt32(out.KeyCount) > 0, nil
}

// keysUnder collects every object key below a folder prefix, following
// continuation tokens.
func (p *S3Provider) keysUnder(ctx context.Context, folderID string) ([]string, error) {
	var keys []string
	var token *string
	for {
		out, err := p.client.ListObjectsV2(ctx, &awss3.ListObjectsV2Input{
			Bucket:            aws.String(p.bucket),
			Prefix:            aws.String(p.key(folderID)),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, mapS3Error(err, folderID)
		}
		for _, obj := range out.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
		if !aws.ToBool(out.IsTruncated) {
			return keys, nil
		}
		token = out.NextContinuationToken
	}
}

func isNotFound(err error) bool {
	var noKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noKey) || errors.As(err, &notFound) {
		return true
	}
	var apiErr interface{ ErrorCode() string }
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return code == "NoSuchKey" || code == "NotFound" || code == "404"
	}
	return false
}

func isInvalidToken(err error) bool {
	var apiErr interface{ ErrorCode() string }
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode() == "InvalidArgument" || apiErr.ErrorCode() == "InvalidToken"
	}
	return false
}

// mapS3Error converts an SDK failure into the wire taxonomy.
func mapS3Error(err error, key string) error {
	if err == nil {
		return nil
	}
	if isNotFound(err) {
		return provider.NewKeyError(provider.ErrorNotExists, key, "no such item")
	}
	var apiErr interface{ ErrorCode() string }
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "AccessDenied":
			return provider.NewKeyError(provider.ErrorPermissionDenied, key, "access denied")
		case "InvalidAccessKeyId", "SignatureDoesNotMatch", "ExpiredToken", "TokenRefreshRequired":
			return provider.NewError(provider.ErrorUnauthorized, "credentials rejected: %s", apiErr.ErrorCode())
		case "QuotaExceeded", "ServiceQuotaExceededException":
			return provider.NewError(provider.ErrorResource, "quota exceeded")
		case "PreconditionFailed":
			return provider.NewKeyError(provider.ErrorConflict, key, "etag mismatch")
		}
	}
	return provider.NewError(provider.ErrorRemoteComms, "s3: %v", err)
}
