package bot

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
	"github.com/shelfie/shelfie/internal/intake"
)

// httpClient is reused for file downloads to avoid creating new clients per request
var httpClient = resty.New().SetDebug(false).SetTimeout(30 * time.Second)

func downloadFileID(
	ctx context.Context,
	getFileDirectURL func(fileId string) (string, error),
	fileID string,
) ([]byte, error) {
	log.Info().Str("fileID", fileID).Msg("downloading file id")
	url, err := getFileDirectURL(fileID)
	if err != nil {
		return nil, fmt.Errorf("failed to get file url: %w", err)
	}
	res, err := httpClient.R().SetContext(ctx).Get(url)
	if err != nil {
		return nil, err
	}
	if res.IsError() {
		return nil, fmt.Errorf("request failed: %v", res.Status())
	}
	return res.Body(), nil
}

// downloadPhoto fetches a Telegram photo as an intake file. Telegram
// re-encodes chat photos as JPEG.
func downloadPhoto(ctx context.Context, tg BotAPI, photo AlbumPhoto) (intake.File, error) {
	data, err := downloadFileID(ctx, tg.GetFileDirectURL, photo.FileID)
	if err != nil {
		return intake.File{}, fmt.Errorf("failed to download photo: %w", err)
	}
	return intake.File{
		Name:     photo.FileUniqueID + ".jpg",
		MIMEType: "image/jpeg",
		Data:     data,
	}, nil
}
