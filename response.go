package wren

import "fmt"

// SMTPCode is an SMTP reply code (RFC 5321 section 4.2).
type SMTPCode int

const (
	CodeSystemStatus   SMTPCode = 211
	CodeHelpMessage    SMTPCode = 214
	CodeServiceReady   SMTPCode = 220
	CodeServiceClosing SMTPCode = 221
	CodeAuthSuccess    SMTPCode = 235
	CodeOK             SMTPCode = 250
	CodeCannotVRFY     SMTPCode = 252

	CodeAuthContinue   SMTPCode = 334
	CodeStartMailInput SMTPCode = 354

	CodeServiceUnavailable  SMTPCode = 421
	CodeMailboxUnavailable  SMTPCode = 450
	CodeLocalError          SMTPCode = 451
	CodeInsufficientStorage SMTPCode = 452

	CodeCommandUnrecognized    SMTPCode = 500
	CodeSyntaxError            SMTPCode = 501
	CodeCommandNotImplemented  SMTPCode = 502
	CodeBadSequence            SMTPCode = 503
	CodeParameterNotImpl       SMTPCode = 504
	CodeAuthRequired           SMTPCode = 530
	CodeAuthCredentialsInvalid SMTPCode = 535
	CodeMailboxNotFound        SMTPCode = 550
	CodeExceededStorage        SMTPCode = 552
	CodeMailboxNameInvalid     SMTPCode = 553
	CodeTransactionFailed      SMTPCode = 554
	CodeParamsNotRecognized    SMTPCode = 555
)

// EnhancedCode is an enhanced status code (RFC 3463) in
// "class.subject.detail" form.
type EnhancedCode string

const (
	ESCSuccess         EnhancedCode = "2.0.0"
	ESCAddressValid    EnhancedCode = "2.1.0"
	ESCRecipientValid  EnhancedCode = "2.1.5"
	ESCMessageAccepted EnhancedCode = "2.6.0"
	ESCSecuritySuccess EnhancedCode = "2.7.0"

	ESCTempFailure           EnhancedCode = "4.0.0"
	ESCTempLocalError        EnhancedCode = "4.3.0"
	ESCTempSystemNotCapable  EnhancedCode = "4.3.5"
	ESCTempTooManyRecipients EnhancedCode = "4.5.3"
	ESCTempAuthFailed        EnhancedCode = "4.7.0"

	ESCPermFailure            EnhancedCode = "5.0.0"
	ESCBadDestSyntax          EnhancedCode = "5.1.3"
	ESCMessageTooLarge        EnhancedCode = "5.2.3"
	ESCMailSystemFull         EnhancedCode = "5.3.4"
	ESCInvalidCommand         EnhancedCode = "5.5.0"
	ESCBadCommandSequence     EnhancedCode = "5.5.1"
	ESCSyntaxError            EnhancedCode = "5.5.2"
	ESCInvalidArgs            EnhancedCode = "5.5.4"
	ESCNonASCIINoSMTPUTF8     EnhancedCode = "5.6.7"
	ESCSecurityError          EnhancedCode = "5.7.0"
	ESCAuthCredentialsInvalid EnhancedCode = "5.7.8"
	ESCEncryptionRequired     EnhancedCode = "5.7.11"
)

func (e EnhancedCode) String() string {
	return string(e)
}

// Response is a single SMTP reply.
type Response struct {
	Code         SMTPCode
	EnhancedCode string
	Message      string
}

// String formats the reply line without the trailing CRLF.
func (r Response) String() string {
	if r.EnhancedCode != "" {
		return fmt.Sprintf("%d %s %s", r.Code, r.EnhancedCode, r.Message)
	}
	return fmt.Sprintf("%d %s", r.Code, r.Message)
}

// IsError reports whether the reply is a 4xx or 5xx failure.
func (r Response) IsError() bool {
	return r.Code >= 400
}

// IsIntermediate reports whether the reply expects more client input.
func (r Response) IsIntermediate() bool {
	return r.Code >= 300 && r.Code < 400
}

// ResponseOK creates a 250 reply.
func ResponseOK(message string, enhancedCode string) Response {
	return Response{Code: CodeOK, EnhancedCode: enhancedCode, Message: message}
}

// ResponseServiceReady creates a 220 reply. The domain is the first
// word after the code, per RFC 5321.
func ResponseServiceReady(domain string, message string) Response {
	msg := domain
	if message != "" {
		msg = domain + " " + message
	}
	return Response{Code: CodeServiceReady, Message: msg}
}

// ResponseServiceClosing creates a 221 reply with the domain first.
func ResponseServiceClosing(domain string, message string) Response {
	msg := domain
	if message != "" {
		msg = domain + " " + message
	}
	return Response{Code: CodeServiceClosing, Message: msg}
}

// ResponseServiceUnavailable creates a 421 reply with the domain first.
func ResponseServiceUnavailable(domain string, message string) Response {
	msg := domain
	if message != "" {
		msg = domain + " " + message
	}
	return Response{Code: CodeServiceUnavailable, Message: msg}
}

// ResponseBadSequence creates a 503 reply.
func ResponseBadSequence(message string) Response {
	return Response{Code: CodeBadSequence, EnhancedCode: string(ESCBadCommandSequence), Message: message}
}

// ResponseSyntaxError creates a 501 reply.
func ResponseSyntaxError(message string) Response {
	return Response{Code: CodeSyntaxError, EnhancedCode: string(ESCSyntaxError), Message: message}
}

// ResponseCommandNotRecognized creates a 500 reply.
func ResponseCommandNotRecognized(command string) Response {
	return Response{
		Code:         CodeCommandUnrecognized,
		EnhancedCode: string(ESCInvalidCommand),
		Message:      fmt.Sprintf("Command not recognized: %s", command),
	}
}

// ResponseCommandNotImplemented creates a 502 reply.
func ResponseCommandNotImplemented(command string) Response {
	return Response{
		Code:         CodeCommandNotImplemented,
		EnhancedCode: string(ESCInvalidCommand),
		Message:      fmt.Sprintf("%s not implemented", command),
	}
}

// ResponseAuthRequired creates a 530 reply.
func ResponseAuthRequired(message string) Response {
	if message == "" {
		message = "Authentication required"
	}
	return Response{Code: CodeAuthRequired, EnhancedCode: string(ESCSecurityError), Message: message}
}

// ResponseAuthCredentialsInvalid creates a 535 reply.
func ResponseAuthCredentialsInvalid(message string) Response {
	if message == "" {
		message = "Authentication credentials invalid"
	}
	return Response{Code: CodeAuthCredentialsInvalid, EnhancedCode: string(ESCAuthCredentialsInvalid), Message: message}
}

// ResponseTransactionFailed creates a 554 reply.
func ResponseTransactionFailed(message string, enhancedCode EnhancedCode) Response {
	return Response{Code: CodeTransactionFailed, EnhancedCode: string(enhancedCode), Message: message}
}

// ResponseLocalError creates a 451 reply.
func ResponseLocalError(message string) Response {
	return Response{Code: CodeLocalError, EnhancedCode: string(ESCTempLocalError), Message: message}
}

// ResponseExceededStorage creates a 552 reply.
func ResponseExceededStorage(message string) Response {
	if message == "" {
		message = "Requested mail action aborted: exceeded storage allocation"
	}
	return Response{Code: CodeExceededStorage, EnhancedCode: string(ESCMailSystemFull), Message: message}
}
