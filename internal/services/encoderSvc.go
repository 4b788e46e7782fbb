package services

import (
	"encoding/json"
	"strings"

	"github.com/amine-amaach/opcua-bridge/internal/model"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

var (
	ErrEncodingFailed = errors.New("failed to encode sample payload")
	ErrUnknownFormat  = errors.New("unknown payload format")
)

const (
	FormatJSON  = "json"
	FormatProto = "proto"
)

// EncoderSvc turns samples into MQTT payloads. The proto format is a
// google.protobuf.Struct carrying the same fields as the JSON one.
type EncoderSvc struct {
	format string
}

func NewEncoderSvc(format string) (*EncoderSvc, error) {
	f := strings.ToLower(strings.TrimSpace(format))
	switch f {
	case "", FormatJSON:
		return &EncoderSvc{format: FormatJSON}, nil
	case FormatProto:
		return &EncoderSvc{format: FormatProto}, nil
	}
	return nil, errors.Wrap(ErrUnknownFormat, format)
}

func (e *EncoderSvc) Format() string { return e.format }

func (e *EncoderSvc) GetBytes(sample model.Sample, log *logrus.Logger) ([]byte, error) {
	if sample.ID == "" {
		sample.ID = uuid.NewString()
	}
	log.WithField("Binding", sample.Binding).Traceln("Encoding a new sample payload..")

	out, err := json.Marshal(sample)
	if err == nil && e.format == FormatProto {
		out, err = toProto(out)
	}
	if err != nil {
		log.WithFields(logrus.Fields{
			"Binding": sample.Binding,
			"Format":  e.format,
			"msg":     err,
		}).Errorln("Failed to encode sample payload ⛔")
		return nil, ErrEncodingFailed
	}
	return out, nil
}

func toProto(js []byte) ([]byte, error) {
	var fields map[string]any
	if err := json.Unmarshal(js, &fields); err != nil {
		return nil, err
	}
	msg, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, err
	}
	return proto.Marshal(msg)
}
